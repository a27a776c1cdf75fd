// Package fetch downloads raster tiles from the configured tileserver.
// Concurrent requests for the same tile coalesce into a single network
// fetch, and successful downloads are written through to the tile store
// before the caller sees the bytes.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	charon "github.com/catacombing/charon"
)

// maxTileBytes bounds a single tile download. Raster tiles average ~20kB;
// anything past this is a misbehaving server.
const maxTileBytes = 4 << 20

// Store is the write-through target for fetched tiles.
type Store interface {
	Put(ctx context.Context, key charon.TileKey, data []byte) error
}

// Fetcher downloads tiles over HTTP. At most one network request is in
// flight per tile key; later callers for the same key attach to the
// existing request and share its result.
type Fetcher struct {
	store   Store
	client  *http.Client
	group   singleflight.Group
	gate    *retryGate
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	offline bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to install an instrumented
// transport.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithRateLimit throttles requests against the tileserver. Zero rps leaves
// the fetcher unthrottled.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		if rps > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithOffline disables all network I/O; every fetch fails with ErrOffline.
func WithOffline(offline bool) Option {
	return func(f *Fetcher) {
		f.offline = offline
	}
}

// WithNow sets the time function for testing the retry schedule.
func WithNow(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// New creates a Fetcher writing through to store.
func New(store Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.gate = newRetryGate(f.now)
	return f
}

// Fetch downloads the tile and writes it through to the store. The key's
// tileserver field is the URL template with {x}, {y} and {z} placeholders.
//
// Concurrent calls for the same key share one request via singleflight;
// the shared request runs on a detached context so one caller's
// cancellation does not abort it for the others.
func (f *Fetcher) Fetch(ctx context.Context, key charon.TileKey) ([]byte, error) {
	if f.offline {
		return nil, failure(key, ErrOffline, nil)
	}

	// Fail fast while the key is inside its backoff or negative-cache
	// window, without touching the network.
	if kind, blocked := f.gate.check(key); blocked {
		return nil, failure(key, kind, nil)
	}

	ch := f.group.DoChan(groupKey(key), func() (any, error) {
		return f.fetchOnce(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// groupKey is the singleflight key; distinct tileservers never coalesce.
func groupKey(key charon.TileKey) string {
	return fmt.Sprintf("%s|%d|%d|%d", key.Tileserver, key.Z, key.X, key.Y)
}

func (f *Fetcher) fetchOnce(ctx context.Context, key charon.TileKey) ([]byte, error) {
	// Drop the key from the group afterwards so the next access after a
	// failure can retry instead of reusing the cached result.
	defer f.group.Forget(groupKey(key))

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, failure(key, ErrTransient, err)
		}
	}

	url := key.URL(key.Tileserver)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure(key, ErrTransient, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.gate.fail(key)
		f.logger.Debug("tile fetch failed", "tile", key, "error", err)
		return nil, failure(key, ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		f.gate.notFound(key)
		return nil, failure(key, ErrNotFound, nil)
	case resp.StatusCode != http.StatusOK:
		f.gate.fail(key)
		return nil, failure(key, ErrTransient, fmt.Errorf("status %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		f.gate.fail(key)
		return nil, failure(key, ErrTransient, err)
	}

	// Write through before returning so the cache is consistent even if
	// the caller never reads again.
	if err := f.store.Put(ctx, key, data); err != nil {
		f.logger.Error("tile write-through failed", "tile", key, "error", err)
		return nil, failure(key, ErrStorage, err)
	}

	f.gate.clear(key)
	return data, nil
}
