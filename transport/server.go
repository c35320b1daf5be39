package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Server serves the WebSocket endpoint and a health check.
type Server struct {
	handler    *Handler
	httpServer *http.Server
}

// NewServer builds a Server listening on addr.
func NewServer(addr string, handler *Handler) *Server {
	s := &Server{handler: handler}
	mux := http.NewServeMux()
	mux.Handle(handler.Config().Path, handler)
	mux.HandleFunc("/healthz", s.health)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the http.Handler for embedding in tests or other muxes.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	logrus.WithFields(logrus.Fields{
		"function": "Server.ListenAndServe",
		"addr":     s.httpServer.Addr,
		"path":     s.handler.Config().Path,
	}).Info("Starting WebSocket server")
	return ignoreClosed(s.httpServer.ListenAndServe())
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	return ignoreClosed(s.httpServer.Serve(l))
}

// Shutdown stops accepting requests, then closes every client connection and
// waits for it to finish cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.httpServer.Shutdown(ctx)
	connErr := s.handler.Shutdown(ctx)
	logrus.WithFields(logrus.Fields{
		"function": "Server.Shutdown",
	}).Info("WebSocket server stopped")
	return errors.Join(httpErr, connErr)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":      "ok",
		"connections": s.handler.ConnectionCount(),
	}
	if s.handler.isClosing() {
		status = http.StatusServiceUnavailable
		body["status"] = "shutting_down"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.health",
			"error":    err.Error(),
		}).Warn("Failed to write health response")
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
