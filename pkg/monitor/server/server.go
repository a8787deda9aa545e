package server

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/helvethink/deploy-orchestrator/pkg/controller"
	"github.com/helvethink/deploy-orchestrator/pkg/monitor"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Server exposes the telemetry of a controller to the monitor command.
type Server struct {
	c *controller.Controller

	// Interval is the pace of the telemetry stream.
	Interval time.Duration
}

// NewServer creates a new Server instance.
func NewServer(c *controller.Controller) *Server {
	return &Server{
		c:        c,
		Interval: time.Second,
	}
}

// Handler returns the routes of the monitoring API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /telemetry/stream", s.handleTelemetryStream)

	return mux
}

// Serve listens on the internal monitoring address until ctx is done.
func (s *Server) Serve(ctx context.Context) {
	addr := s.c.Config.Global.InternalMonitoringListenerAddress
	if addr == nil {
		log.Info("internal monitoring listener address not set")
		return
	}

	log.WithFields(log.Fields{
		"scheme": addr.Scheme,
		"host":   addr.Host,
		"path":   addr.Path,
	}).Info("internal monitoring listener set")

	var (
		l   net.Listener
		err error
	)

	switch addr.Scheme {
	case "unix":
		unixAddr, err := net.ResolveUnixAddr("unix", addr.Path)
		if err != nil {
			log.WithError(err).Fatal()
		}

		if _, err := os.Stat(addr.Path); err == nil {
			if err := os.Remove(addr.Path); err != nil {
				log.WithError(err).Fatal()
			}
		}

		defer func(path string) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warn("removing monitoring socket")
			}
		}(addr.Path)

		if l, err = net.ListenUnix("unix", unixAddr); err != nil {
			log.WithError(err).Fatal()
		}
	default:
		if l, err = net.Listen(addr.Scheme, addr.Host); err != nil {
			log.WithError(err).Fatal()
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutting down the monitoring server")
		}
	}()

	if err = srv.Serve(l); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal()
	}
}

// Telemetry builds a snapshot of the controller state.
func (s *Server) Telemetry(ctx context.Context) (t monitor.Telemetry, err error) {
	cfg := s.c.Config

	if s.c.BuildServer != nil {
		t.BuildServerUsage = ratio(float64(s.c.BuildServer.RateCounter.Rate()), float64(cfg.BuildServer.MaximumRequestsPerSecond))
		t.BuildServerRequestsCount = s.c.BuildServer.RequestsCounter.Load()
	}

	if q, ok := s.c.Runner.(interface{ Quota() (int, int) }); ok {
		limit, remaining := q.Quota()
		t.BuildServerRateLimit = ratio(float64(remaining), float64(limit))
		t.BuildServerLimitRemaining = uint64(max(remaining, 0))
	}

	queuedTasks, err := s.c.Store.CurrentlyQueuedTasksCount(ctx)
	if err != nil {
		return
	}

	t.TasksBufferUsage = ratio(float64(queuedTasks), float64(cfg.Orchestrator.MaximumJobsQueueSize))

	if t.TasksExecutedCount, err = s.c.Store.ExecutedTasksCount(ctx); err != nil {
		return
	}

	counts, err := s.c.Store.DeploymentsCountByStatus(ctx)
	if err != nil {
		return
	}

	t.Deployments = make(map[string]int64, len(schemas.DeploymentStatuses))
	for _, status := range schemas.DeploymentStatuses {
		t.Deployments[string(status)] = counts[status]
	}

	if s.c.Dispatcher != nil {
		t.EventsPublished = s.c.Dispatcher.Published.Load()
		t.EventsDropped = s.c.Dispatcher.Dropped.Load()
	}

	t.Tasks = map[string]monitor.TaskSchedulingStatus{}
	if s.c.TaskController.TaskMap != nil {
		for tt, status := range s.c.TaskController.TaskSchedulingMonitoring() {
			t.Tasks[string(tt)] = status
		}
	}

	return
}

// ratio returns v/total capped to [0, 1], zero when total is unknown.
func ratio(v, total float64) float64 {
	if total <= 0 {
		return 0
	}

	return math.Max(0, math.Min(1, v/total))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, monitor.Config{Content: s.c.Config.ToYAML()})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.Telemetry(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, t)
}

// handleTelemetryStream writes one JSON document per line and per interval
// until the client goes away.
func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "application/x-ndjson")

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		t, err := s.Telemetry(ctx)
		if err != nil {
			log.WithContext(ctx).WithError(err).Warn("building telemetry")
			return
		}

		if err := enc.Encode(t); err != nil {
			log.WithContext(ctx).WithError(err).Debug("monitor client went away")
			return
		}

		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("writing monitoring response")
	}
}
