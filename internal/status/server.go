// Package status serves a read-only HTTP view of a running reportwatch
// process: health, Prometheus metrics, the watcher registry, recent logs and
// a websocket stream of watcher lifecycle events.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"reportwatch/internal/event"
	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"
	"reportwatch/internal/registry"
	"reportwatch/internal/version"
	"reportwatch/internal/watcher"
)

const readHeaderTimeout = 5 * time.Second

// SourceMetrics exposes notification source counters.
type SourceMetrics interface {
	Metrics() watcher.Metrics
}

type Options struct {
	Addr           string
	Root           string
	Registry       *registry.Registry
	Metrics        *metrics.Registry
	Source         SourceMetrics
	Events         *event.Bus[event.WatcherEvent]
	Logger         *logging.Logger
	AllowedOrigins []string
	Now            func() time.Time
}

type Server struct {
	options   Options
	logger    *logging.Logger
	startedAt time.Time
	server    *http.Server
}

func NewServer(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	server := &Server{
		options:   options,
		logger:    logger.Component("status"),
		startedAt: options.Now(),
	}
	server.server = &http.Server{
		Addr:              options.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return server
}

// Handler returns the routed handler without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", restHandler(s.handleHealth))
	mux.Handle("/metrics", securityHeadersHandler(cacheControlNoStore, s.handleMetrics))
	mux.Handle("/api/watchers", restHandler(s.handleWatchers))
	mux.Handle("/api/logs", restHandler(s.handleLogs))
	mux.HandleFunc("/ws/events", s.handleEventStream)
	return loggingMiddleware(s.logger, mux)
}

// ListenAndServe binds Addr and serves until ctx is cancelled or Shutdown is
// called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.options.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("status server listening", map[string]string{"addr": listener.Addr().String()})
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Root           string `json:"root,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	LiveWatchers   int    `json:"live_watchers"`
	EventListeners int    `json:"event_listeners"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	response := healthResponse{
		Status:         "ok",
		Version:        version.Version,
		Root:           s.options.Root,
		UptimeSeconds:  int64(s.options.Now().Sub(s.startedAt).Seconds()),
		EventListeners: s.options.Events.SubscriberCount(),
	}
	if s.options.Registry != nil {
		response.LiveWatchers = s.options.Registry.LiveCount()
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.options.Metrics.WritePrometheus(w, s.gauges()...); err != nil {
		s.logger.Warn("metrics write failed", map[string]string{"error": err.Error()})
	}
}

func (s *Server) gauges() []metrics.Gauge {
	gauges := make([]metrics.Gauge, 0, 4)
	if s.options.Registry != nil {
		gauges = append(gauges, metrics.Gauge{
			Name:  "reportwatch_live_watchers",
			Help:  "Submission directories currently watched.",
			Value: int64(s.options.Registry.LiveCount()),
		})
	}
	if s.options.Source != nil {
		sourceMetrics := s.options.Source.Metrics()
		gauges = append(gauges,
			metrics.Gauge{
				Name:  "reportwatch_source_watched_directories",
				Help:  "Directories registered with the notification source.",
				Value: int64(sourceMetrics.ActiveWatches),
			},
			metrics.Gauge{
				Name:  "reportwatch_source_subscriptions",
				Help:  "Open notification subscriptions.",
				Value: int64(sourceMetrics.Subscriptions),
			},
		)
	}
	if s.options.Events != nil {
		gauges = append(gauges, metrics.Gauge{
			Name:  "reportwatch_event_subscribers",
			Help:  "Listeners attached to the lifecycle event bus.",
			Value: int64(s.options.Events.SubscriberCount()),
		})
	}
	return gauges
}

type watchersResponse struct {
	Live    int              `json:"live"`
	Entries []registry.Entry `json:"entries"`
}

func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if s.options.Registry == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "registry unavailable"}
	}
	entries := s.options.Registry.Snapshot()
	live := 0
	for _, entry := range entries {
		if entry.Live() {
			live++
		}
	}
	writeJSON(w, http.StatusOK, watchersResponse{Live: live, Entries: entries})
	return nil
}
