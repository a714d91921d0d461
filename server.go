package mailsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server is an SMTP server that handles concurrent connections.
type Server struct {
	config   ServerConfig
	registry *Registry

	listenerMu sync.Mutex
	listener   net.Listener

	// sessions tracks live sessions for shutdown
	sessMu    sync.Mutex
	sessions  map[*Session]struct{}
	sessCount atomic.Int64

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a new SMTP server with the given configuration.
// Zero fields take the values of DefaultServerConfig.
func NewServer(config ServerConfig) (*Server, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		registry: NewRegistry(config),
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Config returns the effective server configuration.
func (s *Server) Config() ServerConfig {
	return s.config
}

// Registry returns the command registry shared by all sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe starts the SMTP server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeTLS starts the SMTP server with implicit TLS.
func (s *Server) ListenAndServeTLS() error {
	if s.config.TLSConfig == nil {
		return errors.New("smtp: TLS config is required for TLS server")
	}
	listener, err := tls.Listen("tcp", s.config.Addr, s.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen TLS: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them. It returns
// ErrServerClosed after Shutdown or Close.
func (s *Server) Serve(listener net.Listener) error {
	s.listenerMu.Lock()
	if s.closed.Load() {
		s.listenerMu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.listenerMu.Unlock()

	s.config.Logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.config.Logger.Warn("accept error, retrying", slog.Any("error", err), slog.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("smtp: accept: %w", err)
		}
		backoff = 0

		if s.config.MaxConnections > 0 && s.sessCount.Load() >= int64(s.config.MaxConnections) {
			s.config.Logger.Warn("connection limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			s.refuse(conn)
			continue
		}

		s.sessCount.Add(1)
		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// refuse answers 421 and closes conn without starting a session.
func (s *Server) refuse(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte(respTooManyConnection.String() + "\r\n"))
	_ = conn.Close()
}

// handleConnection runs one session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.shutdownWg.Done()
	defer s.sessCount.Add(-1)

	sess := newSession(s.ctx, s, conn)

	s.sessMu.Lock()
	if s.closed.Load() {
		s.sessMu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()

	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, sess)
		s.sessMu.Unlock()
		_ = sess.close()
	}()

	sess.serve()
}

// Shutdown stops accepting connections, sends 421 to every live session and
// waits for them to finish. When ctx expires first the remaining
// connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.sessMu.Lock()
		for sess := range s.sessions {
			_ = sess.close()
		}
		s.sessMu.Unlock()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.stop()
	s.sessMu.Lock()
	for sess := range s.sessions {
		_ = sess.close()
	}
	s.sessMu.Unlock()
	return nil
}

func (s *Server) stop() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()

	s.listenerMu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.listenerMu.Unlock()

	// RFC 5321 3.8: tell clients before closing
	s.sessMu.Lock()
	for sess := range s.sessions {
		sess.shutdown()
	}
	s.sessMu.Unlock()
}
