package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultShutdownTimeout bounds how long Close waits for in-flight requests.
const DefaultShutdownTimeout = 5 * time.Second

// Server serves the relay's HTTP surface (API and websocket upgrade) on one
// TCP listener.
type Server struct {
	listener net.Listener
	http     *http.Server

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and serves handler on it.
func Listen(address string, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Errors returns asynchronous serve failures. It is closed by Close.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, waits up to DefaultShutdownTimeout for in-flight
// requests, then forces the remaining connections closed.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)

		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			closeErr = s.http.Close()
		}
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	err := s.http.Serve(s.listener)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.errs <- fmt.Errorf("serve: %w", err):
	default:
	}
}
