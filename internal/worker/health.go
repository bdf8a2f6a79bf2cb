package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness/readiness/detailed-health endpoints for a
// Worker, the Kubernetes-probe surface the deployment manifests expect.
type HealthServer struct {
	worker *Worker
	server *http.Server
	ready  atomic.Bool
}

// HealthResponse is the body of the detailed /health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Connections ConnectionsHealth `json:"connections"`
}

// ConnectionsHealth reports per-dependency connectivity.
type ConnectionsHealth struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Queue    string `json:"queue"`
}

// NewHealthServer constructs a HealthServer bound to port.
func NewHealthServer(w *Worker, port string) *HealthServer {
	hs := &HealthServer{worker: w}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
	mux.HandleFunc("/health", hs.handleHealth)

	hs.server = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return hs
}

// Start runs the health server until it is shut down.
func (hs *HealthServer) Start() error {
	hs.worker.logger.Info("starting health check server", "addr", hs.server.Addr)
	hs.ready.Store(true)
	return hs.server.ListenAndServe()
}

// Shutdown gracefully stops the health server.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.ready.Store(false)
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	hs.encode(w, map[string]string{"status": "alive"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() || !hs.worker.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		hs.encode(w, map[string]string{"status": "not_ready"})
		return
	}
	w.WriteHeader(http.StatusOK)
	hs.encode(w, map[string]string{"status": "ready"})
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Connections: ConnectionsHealth{
			Database: hs.checkDatabase(ctx),
			Redis:    hs.checkRedis(ctx),
			Queue:    hs.checkQueue(),
		},
	}

	if resp.Connections.Database != "ok" || resp.Connections.Redis != "ok" || resp.Connections.Queue != "ok" {
		resp.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	w.Header().Set("Content-Type", "application/json")
	hs.encode(w, resp)
}

func (hs *HealthServer) checkDatabase(ctx context.Context) string {
	if err := hs.worker.db.PingContext(ctx); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (hs *HealthServer) checkRedis(ctx context.Context) string {
	if err := hs.worker.redis.Ping(ctx).Err(); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (hs *HealthServer) checkQueue() string {
	if hs.worker.broker == nil {
		return "error: broker not initialized"
	}
	return "ok"
}

func (hs *HealthServer) encode(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
