// Package gc runs periodic eviction passes against the tile store.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/catacombing/charon/telemetry"
)

// Store is the eviction surface of the tile store.
type Store interface {
	Count(ctx context.Context) (int, error)
	EvictIfOverBudget(ctx context.Context, budget int) (int, error)
}

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	MaxTiles     int           // Target max tile count; 0 disables eviction
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TilesEvicted   int           `json:"tiles_evicted"`
	TilesRemaining int           `json:"tiles_remaining"`
	Error          string        `json:"error,omitempty"`
}

// Manager runs eviction passes on a schedule. Pinned tiles are never
// evicted, so a run can leave the store over budget.
type Manager struct {
	store  Store
	config Config
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a new GC manager.
func New(store Store, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate eviction pass.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.runGC(ctx)
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"max_tiles", m.config.MaxTiles,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{StartedAt: time.Now()}

	if m.config.MaxTiles > 0 {
		evicted, err := m.store.EvictIfOverBudget(ctx, m.config.MaxTiles)
		if err != nil {
			result.Error = err.Error()
			m.logger.Error("gc eviction failed", "error", err)
		}
		result.TilesEvicted = evicted
	}

	if remaining, err := m.store.Count(ctx); err == nil {
		result.TilesRemaining = remaining
	}

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	telemetry.RecordEvictionRun(ctx, result.TilesEvicted, result.TilesRemaining, result.Duration)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"tiles_evicted", result.TilesEvicted,
		"tiles_remaining", result.TilesRemaining,
	)

	return result
}
