// Package server provides the HTTP daemon exposing the tile cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/fetch"
	"github.com/catacombing/charon/region"
	"github.com/catacombing/charon/store/gc"
	"github.com/catacombing/charon/store/tiledb"
	"github.com/catacombing/charon/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Tiles configures the tile cache subsystem.
	Tiles charon.TilesConfig

	// AuthToken enables bearer-token authentication when set.
	AuthToken string

	// GCInterval is how often to run the eviction pass.
	// Default is 1 hour.
	GCInterval time.Duration

	// GCStartupDelay is the delay before the first eviction pass.
	// Default is 5 minutes.
	GCStartupDelay time.Duration

	// RateLimit caps upstream tileserver requests per second.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the rate limiter burst size.
	RateBurst int

	// Parallelism is the number of concurrent region download workers.
	Parallelism int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP daemon for the tile cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store   *tiledb.Store
	fetcher *fetch.Fetcher
	regions *region.Manager
	gcMgr   *gc.Manager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Tiles.Server == "" {
		cfg.Tiles = charon.DefaultTilesConfig()
	}

	dbPath, err := cfg.Tiles.CachePath()
	if err != nil {
		return nil, fmt.Errorf("resolving cache path: %w", err)
	}

	store := tiledb.New(tiledb.WithLogger(cfg.Logger.With("component", "tiledb")))
	if err := store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("opening tile store: %w", err)
	}

	client := &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil),
		Timeout:   30 * time.Second,
	}
	fetchOpts := []fetch.Option{
		fetch.WithHTTPClient(client),
		fetch.WithOffline(cfg.Tiles.Offline),
		fetch.WithLogger(cfg.Logger.With("component", "fetch")),
	}
	if cfg.RateLimit > 0 {
		fetchOpts = append(fetchOpts, fetch.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	fetcher := fetch.New(store, fetchOpts...)

	regionOpts := []region.Option{
		region.WithLogger(cfg.Logger.With("component", "region")),
		region.WithDiskBudget(cfg.Tiles.MaxFSTiles),
	}
	if cfg.Parallelism > 0 {
		regionOpts = append(regionOpts, region.WithParallelism(cfg.Parallelism))
	}
	regions := region.NewManager(store, fetcher, cfg.Tiles.Server, regionOpts...)

	gcCfg := gc.Config{
		Interval:     cfg.GCInterval,
		StartupDelay: cfg.GCStartupDelay,
		MaxTiles:     cfg.Tiles.MaxFSTiles,
	}
	if gcCfg.Interval == 0 {
		gcCfg.Interval = gc.DefaultConfig().Interval
	}
	if gcCfg.StartupDelay == 0 {
		gcCfg.StartupDelay = gc.DefaultConfig().StartupDelay
	}
	gcMgr := gc.New(store, gcCfg, gc.WithLogger(cfg.Logger.With("component", "gc")))

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		store:   store,
		fetcher: fetcher,
		regions: regions,
		gcMgr:   gcMgr,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Read-through tile endpoint
	mux.HandleFunc("GET /tiles/{z}/{x}/{y}", s.handleTile)

	// Offline region management
	mux.HandleFunc("GET /regions", s.handleListRegions)
	mux.HandleFunc("POST /regions", s.handleCreateRegion)
	mux.HandleFunc("GET /regions/{id}", s.handleGetRegion)
	mux.HandleFunc("DELETE /regions/{id}", s.handleDeleteRegion)

	// Trigger an immediate eviction pass
	mux.HandleFunc("POST /gc", s.handleGC)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	count, err := s.store.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	regions, err := s.regions.ListRegions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := struct {
		Tiles   int        `json:"tiles"`
		MaxTile int        `json:"max_tiles"`
		Regions int        `json:"regions"`
		LastGC  *gc.Result `json:"last_gc,omitempty"`
	}{
		Tiles:   count,
		MaxTile: s.config.Tiles.MaxFSTiles,
		Regions: len(regions),
		LastGC:  s.gcMgr.Status(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTile serves a tile, fetching from the upstream tileserver on a
// cache miss.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "tile")

	key, ok := s.tileKeyFromPath(r)
	if !ok {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	}

	data, err := s.store.Get(r.Context(), key)
	switch {
	case err == nil:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case errors.Is(err, tiledb.ErrNotFound):
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		data, err = s.fetcher.Fetch(r.Context(), key)
		if err != nil {
			s.writeFetchError(w, err)
			return
		}
		s.settleBudget(r.Context())
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if s.config.Tiles.Attribution != "" {
		w.Header().Set("X-Attribution", s.config.Tiles.Attribution)
	}
	_, _ = w.Write(data)
}

// settleBudget runs an opportunistic eviction pass after an ad-hoc tile
// write. Region downloads defer this until the whole region finishes.
func (s *Server) settleBudget(ctx context.Context) {
	if s.config.Tiles.MaxFSTiles <= 0 {
		return
	}
	start := time.Now()
	evicted, err := s.store.EvictIfOverBudget(ctx, s.config.Tiles.MaxFSTiles)
	if err != nil {
		s.logger.Error("eviction failed", "error", err)
		return
	}
	remaining, _ := s.store.Count(ctx)
	telemetry.RecordEvictionRun(ctx, evicted, remaining, time.Since(start))
}

// writeFetchError maps fetch failures onto HTTP status codes.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		http.Error(w, "tile not found", http.StatusNotFound)
	case errors.Is(err, fetch.ErrOffline):
		http.Error(w, "cache is offline", http.StatusServiceUnavailable)
	case errors.Is(err, fetch.ErrTransient):
		http.Error(w, "upstream tileserver unavailable", http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// tileKeyFromPath parses /tiles/{z}/{x}/{y} path values. The y segment may
// carry a .png suffix.
func (s *Server) tileKeyFromPath(r *http.Request) (charon.TileKey, bool) {
	z, err := strconv.ParseUint(r.PathValue("z"), 10, 8)
	if err != nil {
		return charon.TileKey{}, false
	}
	x, err := strconv.ParseUint(r.PathValue("x"), 10, 32)
	if err != nil {
		return charon.TileKey{}, false
	}
	yStr := strings.TrimSuffix(r.PathValue("y"), ".png")
	y, err := strconv.ParseUint(yStr, 10, 32)
	if err != nil {
		return charon.TileKey{}, false
	}
	key := charon.NewTileKey(s.config.Tiles.Server, uint32(x), uint32(y), uint8(z))
	return key, key.Valid()
}

// createRegionRequest is the POST /regions payload.
type createRegionRequest struct {
	Name    string  `json:"name"`
	MinLat  float64 `json:"min_lat"`
	MinLon  float64 `json:"min_lon"`
	MaxLat  float64 `json:"max_lat"`
	MaxLon  float64 `json:"max_lon"`
	MinZoom uint8   `json:"min_zoom"`
	MaxZoom uint8   `json:"max_zoom"`
}

// regionResponse combines stored metadata with live download progress.
type regionResponse struct {
	tiledb.RegionInfo
	DoneTiles int   `json:"done_tiles,omitempty"`
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

func (s *Server) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "regions")

	var req createRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "region name is required", http.StatusBadRequest)
		return
	}

	bbox := charon.BoundingBox{
		Min: charon.GeoPoint{Lat: req.MinLat, Lon: req.MinLon},
		Max: charon.GeoPoint{Lat: req.MaxLat, Lon: req.MaxLon},
	}
	job, err := s.regions.DownloadRegion(r.Context(), req.Name, bbox, req.MinZoom, req.MaxZoom)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, _, total := job.Progress()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          job.ID,
		"state":       tiledb.RegionDownloading,
		"total_tiles": total,
	})
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "regions")

	infos, err := s.regions.ListRegions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]regionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.regionResponse(r.Context(), info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "regions")

	info, err := s.store.GetRegion(r.Context(), r.PathValue("id"))
	if errors.Is(err, tiledb.ErrNotFound) {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.regionResponse(r.Context(), *info))
}

func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "regions")

	id := r.PathValue("id")
	if _, err := s.store.GetRegion(r.Context(), id); errors.Is(err, tiledb.ErrNotFound) {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}
	if err := s.regions.DeleteRegion(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// regionResponse enriches stored metadata with live progress for regions
// whose download is still running in this process.
func (s *Server) regionResponse(ctx context.Context, info tiledb.RegionInfo) regionResponse {
	resp := regionResponse{RegionInfo: info}
	if job, ok := s.regions.Job(info.ID); ok {
		done, failed, total := job.Progress()
		resp.DoneTiles = done
		resp.FailedTiles = failed
		resp.TileCount = total
		resp.State = job.State()
	}
	if size, _, err := s.regions.RegionSizeOnDisk(ctx, info.ID); err == nil {
		resp.SizeBytes = size
	}
	return resp
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "gc")

	result := s.gcMgr.RunNow(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.gcMgr.Start(context.Background())

	s.logger.Info("starting server",
		"address", s.config.Address,
		"tileserver", s.config.Tiles.Server,
		"offline", s.config.Tiles.Offline,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.gcMgr.Stop(ctx); err != nil {
		s.logger.Warn("stopping gc manager", "error", err)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
