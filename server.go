package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server owns the two transports of the handshake layer: the event-stream transport, which
// announces where the handshake endpoint lives, and the handshake transport, which serves
// initialize and initialized. Both are bound together and supervised as a pair.
//
// Instances should be created using NewServer and run with Start.
type Server struct {
	info          Info
	host          string
	eventPort     int
	handshakePort int

	eventPath          string
	advertisedEndpoint string
	readHeaderTimeout  time.Duration
	shutdownTimeout    time.Duration

	handshakeOptions []HandshakeOption
	announcerOptions []AnnouncerOption
	rpcOptions       []RPCHandlerOption

	logger *slog.Logger

	started *atomic.Bool
	ready   chan struct{}

	// Set before ready is closed, read-only afterwards.
	eventAddr     net.Addr
	handshakeAddr net.Addr
	endpoint      string
}

const (
	transportEventStream = "event-stream"
	transportHandshake   = "handshake"
)

var (
	defaultServerHost              = "127.0.0.1"
	defaultServerEventPath         = "/sse"
	defaultServerReadHeaderTimeout = 15 * time.Second
	defaultServerShutdownTimeout   = 5 * time.Second
)

// NewServer creates a server that will bind the event stream on eventPort and the handshake
// transport on handshakePort. Port 0 picks a free port; the bound addresses are available once
// Ready is closed.
func NewServer(info Info, eventPort, handshakePort int, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		host:              defaultServerHost,
		eventPort:         eventPort,
		handshakePort:     handshakePort,
		eventPath:         defaultServerEventPath,
		readHeaderTimeout: defaultServerReadHeaderTimeout,
		shutdownTimeout:   defaultServerShutdownTimeout,
		logger:            slog.Default(),
		started:           &atomic.Bool{},
		ready:             make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithHost sets the interface both listeners bind to.
func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// WithAdvertisedEndpoint sets the externally reachable handshake URL announced on the event
// stream. By default it is http://localhost:<bound handshake port>.
func WithAdvertisedEndpoint(endpoint string) ServerOption {
	return func(s *Server) {
		s.advertisedEndpoint = endpoint
	}
}

// WithEventPath sets the path of the event stream, "/sse" by default.
func WithEventPath(path string) ServerOption {
	return func(s *Server) {
		s.eventPath = path
	}
}

// WithReadHeaderTimeout sets the ReadHeaderTimeout of both HTTP servers.
func WithReadHeaderTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.readHeaderTimeout = timeout
	}
}

// WithShutdownTimeout sets how long Start waits for open connections to finish once its context
// is cancelled. Event streams never finish on their own, so they are closed after this timeout.
func WithShutdownTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// WithHandshakeOptions passes options to the handshake service.
func WithHandshakeOptions(options ...HandshakeOption) ServerOption {
	return func(s *Server) {
		s.handshakeOptions = append(s.handshakeOptions, options...)
	}
}

// WithAnnouncerOptions passes options to the announcer.
func WithAnnouncerOptions(options ...AnnouncerOption) ServerOption {
	return func(s *Server) {
		s.announcerOptions = append(s.announcerOptions, options...)
	}
}

// WithRPCHandlerOptions passes options to the handshake transport handler.
func WithRPCHandlerOptions(options ...RPCHandlerOption) ServerOption {
	return func(s *Server) {
		s.rpcOptions = append(s.rpcOptions, options...)
	}
}

// WithServerLogger sets the logger for the server. The logger is handed to the handshake
// service, the announcer and the RPC handler too.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp-handshake"),
			slog.String("component", "server"),
		)
		s.handshakeOptions = append(s.handshakeOptions, WithHandshakeLogger(logger))
		s.announcerOptions = append(s.announcerOptions, WithAnnouncerLogger(logger))
		s.rpcOptions = append(s.rpcOptions, WithRPCLogger(logger))
	}
}

// Start binds both listeners and serves them until ctx is cancelled or one of them fails.
//
// Both binds happen before anything is served: if either fails, the other listener is closed and
// a *BindError is returned without any connection being accepted. Once both are bound, Ready is
// closed. Start returns only after both transports terminated; it returns nil when they were
// stopped through ctx.
//
// Start can only be called once.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	return s.start(ctx)
}

// Ready returns a channel closed once both listeners are bound and accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// EventStreamAddr returns the bound address of the event-stream transport. It is nil before Ready.
func (s *Server) EventStreamAddr() net.Addr { return s.eventAddr }

// HandshakeAddr returns the bound address of the handshake transport. It is nil before Ready.
func (s *Server) HandshakeAddr() net.Addr { return s.handshakeAddr }

// Endpoint returns the handshake URL announced on the event stream. It is empty before Ready.
func (s *Server) Endpoint() string { return s.endpoint }

// EventStreamURL returns the URL clients connect to for announcements. It is empty before Ready.
func (s *Server) EventStreamURL() string {
	if s.eventAddr == nil {
		return ""
	}
	return "http://" + s.eventAddr.String() + s.eventPath
}

func (s *Server) start(ctx context.Context) error {
	eventLn, handshakeLn, err := s.bind()
	if err != nil {
		return err
	}

	s.eventAddr = eventLn.Addr()
	s.handshakeAddr = handshakeLn.Addr()
	s.endpoint = s.advertisedEndpoint
	if s.endpoint == "" {
		s.endpoint = defaultEndpoint(s.handshakeAddr)
	}

	svc := NewHandshakeService(s.info, s.handshakeOptions...)
	announcer := NewAnnouncer(s.endpoint, s.announcerOptions...)

	eventMux := http.NewServeMux()
	eventMux.Handle(s.eventPath, announcer.HandleSSE())

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	eventSrv := &http.Server{
		Handler:           eventMux,
		ReadHeaderTimeout: s.readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	handshakeSrv := &http.Server{
		Handler:           NewRPCHandler(svc, s.rpcOptions...),
		ReadHeaderTimeout: s.readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	s.logger.Info("event-stream transport listening",
		slog.String("addr", s.eventAddr.String()),
		slog.String("path", s.eventPath))
	s.logger.Info("handshake transport listening",
		slog.String("addr", s.handshakeAddr.String()),
		slog.String("endpoint", s.endpoint),
		slog.Bool("strict", svc.Strict()))

	close(s.ready)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(eventSrv, eventLn, transportEventStream)
	})
	g.Go(func() error {
		return serve(handshakeSrv, handshakeLn, transportHandshake)
	})
	g.Go(func() error {
		<-gCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		// Event streams only end when their request context does.
		cancelBase()

		var errs []error
		if err := eventSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown %s transport: %w", transportEventStream, err))
			_ = eventSrv.Close()
		}
		if err := handshakeSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown %s transport: %w", transportHandshake, err))
			_ = handshakeSrv.Close()
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	s.logger.Info("server stopped")
	return err
}

// bind opens both listeners. On failure nothing stays open.
func (s *Server) bind() (net.Listener, net.Listener, error) {
	eventAddr := net.JoinHostPort(s.host, strconv.Itoa(s.eventPort))
	handshakeAddr := net.JoinHostPort(s.host, strconv.Itoa(s.handshakePort))

	type result struct {
		ln  net.Listener
		err error
	}
	eventRes := make(chan result, 1)
	handshakeRes := make(chan result, 1)

	// Bind both concurrently, neither transport waits on the other.
	go func() {
		ln, err := net.Listen("tcp", eventAddr)
		eventRes <- result{ln, err}
	}()
	go func() {
		ln, err := net.Listen("tcp", handshakeAddr)
		handshakeRes <- result{ln, err}
	}()

	er, hr := <-eventRes, <-handshakeRes

	var errs []error
	if er.err != nil {
		errs = append(errs, &BindError{Transport: transportEventStream, Addr: eventAddr, Err: er.err})
	}
	if hr.err != nil {
		errs = append(errs, &BindError{Transport: transportHandshake, Addr: handshakeAddr, Err: hr.err})
	}
	if len(errs) == 0 {
		return er.ln, hr.ln, nil
	}

	if er.ln != nil {
		_ = er.ln.Close()
	}
	if hr.ln != nil {
		_ = hr.ln.Close()
	}
	for _, err := range errs {
		s.logger.Error("failed to bind", slog.String("err", err.Error()))
	}
	return nil, nil, errors.Join(errs...)
}

func serve(srv *http.Server, ln net.Listener, transport string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s transport stopped: %w", transport, err)
	}
	return nil
}

func defaultEndpoint(addr net.Addr) string {
	port := "0"
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}
	return "http://" + net.JoinHostPort("localhost", port)
}
