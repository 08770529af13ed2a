package virtualsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultPort is used when no port option is given.
const DefaultPort = 3456

// Server is one virtual service instance.
type Server struct {
	host   string
	port   int
	logger *slog.Logger
	now    func() time.Time

	engine *gin.Engine

	// bound is read by request handlers while Stop holds lifecycle.
	bound atomic.Int64

	lifecycle sync.Mutex
	httpSrv   *http.Server
	listener  net.Listener
	done      chan struct{}

	mu        sync.RWMutex
	endpoints map[string]Endpoint
	calls     map[string][]Request
	triggers  map[string]TriggerHandler
	webhooks  map[string]WebhookHandler

	subMu       sync.Mutex
	subscribers []func(Event)
}

// Option configures a Server.
type Option func(*Server)

// WithPort sets the listening port. Port 0 lets the OS choose.
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithHost sets the listening interface, 127.0.0.1 by default.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithLogger sets the logger used for lifecycle and request logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock sets the time source for recorded request timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds a stopped Server.
func New(opts ...Option) *Server {
	s := &Server{
		host:      "127.0.0.1",
		port:      DefaultPort,
		logger:    slog.Default(),
		now:       time.Now,
		endpoints: make(map[string]Endpoint),
		calls:     make(map[string][]Request),
		triggers:  make(map[string]TriggerHandler),
		webhooks:  make(map[string]WebhookHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the port and serves in the background. Calling Start on a
// running server does nothing.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("virtual service listen on %s: %w", addr, err)
	}
	s.listener = ln
	port := s.port
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.bound.Store(int64(port))

	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})
	go func(srv *http.Server, ln net.Listener, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("virtual service stopped unexpectedly", "error", err)
		}
	}(s.httpSrv, ln, s.done)

	s.logger.Info("virtual service started", "port", port)
	s.publish(Event{Type: EventStarted, Port: port})
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx
// expires. Calling Stop on a stopped server does nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.listener == nil {
		return nil
	}

	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		_ = s.httpSrv.Close()
	}
	<-s.done

	port := s.Port()
	s.bound.Store(0)
	s.httpSrv = nil
	s.listener = nil
	s.done = nil

	s.logger.Info("virtual service stopped", "port", port)
	s.publish(Event{Type: EventStopped, Port: port})
	if err != nil {
		return fmt.Errorf("virtual service shutdown: %w", err)
	}
	return nil
}

// Running reports whether the server is listening.
func (s *Server) Running() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.listener != nil
}

// Port returns the bound port once started, otherwise the configured one.
func (s *Server) Port() int {
	if p := s.bound.Load(); p > 0 {
		return int(p)
	}
	return s.port
}

// URL returns the base URL subjects should call.
func (s *Server) URL() string {
	return "http://" + net.JoinHostPort(s.host, strconv.Itoa(s.Port()))
}

// Subscribe registers fn for lifecycle events.
func (s *Server) Subscribe(fn func(Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Server) publish(ev Event) {
	s.subMu.Lock()
	subs := append(([]func(Event))(nil), s.subscribers...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
