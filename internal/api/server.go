package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server runs the status router on its own listener.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *logrus.Logger
	done     chan error
}

func NewServer(addr string, router *gin.Engine, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       15 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the address and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.listener = ln
	s.done = make(chan error, 1)

	s.logger.WithField("addr", ln.Addr().String()).Info("Status server listening")
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.WithError(err).Error("Status server stopped unexpectedly")
		}
		s.done <- err
	}()
	return nil
}

// Addr is the bound address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down status server: %w", err)
	}
	return <-s.done
}
