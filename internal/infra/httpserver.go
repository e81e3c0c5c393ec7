package infra

import (
	"context"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server for the submission API with timeouts taken
// from configuration and a graceful shutdown helper.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer builds the server. The submission API only ever receives
// small JSON bodies (audio goes straight to blob storage via upload URLs),
// so the header cap is deliberately tight.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    64 << 10,
	}

	return &HTTPServer{server: srv}
}

// Addr returns the listen address the server was configured with.
func (s *HTTPServer) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Start runs the HTTP server in the current goroutine.
func (s *HTTPServer) Start() error {
	if s.server == nil {
		return nil
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting new connections and waits for active requests
// until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
