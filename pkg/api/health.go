package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/botfleet/pkg/metrics"
)

// HealthServer serves the operational HTTP endpoints
type HealthServer struct {
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates the ops server for addr
func NewHealthServer(addr string) *HealthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	return &HealthServer{
		mux: mux,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (hs *HealthServer) Start() error {
	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// Handler returns the mux for embedding in other servers
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}
