package region

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/fetch"
	"github.com/catacombing/charon/store/tiledb"
	"github.com/catacombing/charon/telemetry"
)

// Job tracks one region download. Progress counters are updated as tiles
// land; each update pings the notify channel so a UI can redraw without
// polling.
type Job struct {
	ID    string
	total int

	done   atomic.Int64
	failed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	notify   chan struct{}
	finished chan struct{}

	mu    sync.Mutex
	state tiledb.RegionState
}

func newJob(id string, total int) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:       id,
		total:    total,
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		finished: make(chan struct{}),
		state:    tiledb.RegionDownloading,
	}
}

// Progress returns the processed, failed and total tile counts.
func (j *Job) Progress() (done, failed, total int) {
	return int(j.done.Load()), int(j.failed.Load()), j.total
}

// Notify returns a channel that receives a ping whenever a tile finishes.
// Pings coalesce; a slow reader sees at least one.
func (j *Job) Notify() <-chan struct{} {
	return j.notify
}

// Cancel stops the download cooperatively. No new fetches are issued;
// fetches already in flight run to completion. Tiles already downloaded
// stay pinned, so a cancelled region behaves as a smaller completed one.
func (j *Job) Cancel() {
	j.cancel()
}

// Finished returns a channel closed when the job reaches a terminal state.
func (j *Job) Finished() <-chan struct{} {
	return j.finished
}

// State returns the current region state; terminal once Finished is closed.
func (j *Job) State() tiledb.RegionState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Wait blocks until the job finishes or ctx is cancelled.
func (j *Job) Wait(ctx context.Context) (tiledb.RegionState, error) {
	select {
	case <-j.finished:
		return j.State(), nil
	case <-ctx.Done():
		return j.State(), ctx.Err()
	}
}

func (j *Job) ping() {
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

func (j *Job) finish(state tiledb.RegionState) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
	close(j.finished)
}

// run drives the download to a terminal state. It is the only writer of
// the job's state after creation.
func (m *Manager) run(job *Job, info *tiledb.RegionInfo, keys []charon.TileKey) {
	g := new(errgroup.Group)
	g.SetLimit(m.parallelism)

dispatch:
	for _, key := range keys {
		select {
		case <-job.ctx.Done():
			break dispatch
		default:
		}
		key := key
		g.Go(func() error {
			m.fetchTile(job, key)
			return nil
		})
	}
	_ = g.Wait()

	state := tiledb.RegionComplete
	switch {
	case job.ctx.Err() != nil:
		state = tiledb.RegionCancelled
	case job.failed.Load() > 0:
		state = tiledb.RegionPartialFailed
	}

	info.State = state
	info.FailedTiles = int(job.failed.Load())
	if err := m.store.PutRegion(context.Background(), info); err != nil {
		m.logger.Error("recording region state failed", "region", info.ID, "error", err)
	}

	// The per-put eviction check is skipped for region writes; settle the
	// budget once, now that the region can no longer lose its own tiles.
	if m.diskBudget > 0 {
		if evicted, err := m.store.EvictIfOverBudget(context.Background(), m.diskBudget); err != nil {
			m.logger.Error("post-region eviction failed", "region", info.ID, "error", err)
		} else if evicted > 0 {
			m.logger.Debug("post-region eviction", "region", info.ID, "evicted", evicted)
		}
	}

	done, failed, total := job.Progress()
	telemetry.RecordRegionDownload(context.Background(), string(state), done, failed)
	m.logger.Info("region download finished",
		"region", info.ID, "state", string(state),
		"done", done, "failed", failed, "total", total)

	job.finish(state)
}

func (m *Manager) fetchTile(job *Job, key charon.TileKey) {
	present, err := m.store.Has(job.ctx, key)
	if err == nil && present {
		job.done.Add(1)
		job.ping()
		return
	}

	if _, err := m.fetcher.Fetch(job.ctx, key); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Offline and not-found are permanent for this attempt; transient
		// failures would need the whole region retried. Either way the
		// region completes with a failure count, not an abort.
		if !errors.Is(err, fetch.ErrNotFound) {
			m.logger.Debug("region tile fetch failed", "region", job.ID, "tile", key, "error", err)
		}
		job.failed.Add(1)
		job.done.Add(1)
		job.ping()
		return
	}

	job.done.Add(1)
	job.ping()
}
