package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akupila/tapeproxy/internal/sysproxy"
	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
)

// DefaultShutdownTimeout bounds how long Stop waits for in-flight exchanges.
const DefaultShutdownTimeout = 5 * time.Second

// Server is an intercepting HTTP proxy that serves exchanges from a Tape.
//
// While running, the system proxy is pointed at the server and restored on
// Stop. Start and Stop are serialised; IsRunning may be called at any time.
type Server struct {
	cfg             Config
	log             logrus.FieldLogger
	override        *sysproxy.Override
	shutdownTimeout time.Duration

	mu      sync.Mutex
	running atomic.Bool
	srv     *http.Server
	ln      *trackingListener
	done    chan struct{}
	tape    Tape
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithSystemProxy sets the override used to redirect the system proxy. The
// default manages the process environment.
func WithSystemProxy(o *sysproxy.Override) Option {
	return func(s *Server) { s.override = o }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight exchanges
// before closing their connections.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New returns a stopped Server.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:             cfg,
		log:             logrus.StandardLogger(),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.override == nil {
		s.override = sysproxy.New(nil)
	}
	return s
}

// IsRunning reports whether the proxy is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the proxy, serves exchanges from t and points the system proxy
// at it. A bind failure is reported as *BindError. If the system proxy
// cannot be overridden the listener is shut down again and the error
// returned.
func (s *Server) Start(t Tape) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(t)
}

func (s *Server) start(t Tape) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	if t == nil {
		return errors.New("proxy: no tape")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	addr := s.cfg.Addr()
	log := s.log.WithFields(logrus.Fields{"addr": addr, "tape": t.Name()})

	gp, err := s.newProxy(t)
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	ln := newTrackingListener(l, s.cfg.Timeout())
	srv := &http.Server{Handler: gp}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("serve")
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.override.Activate(s.cfg.Host, port, s.cfg.EffectiveIgnoreHosts()); err != nil {
		log.WithError(err).Error("overriding system proxy, stopping")
		s.shutdown(srv, ln, done)
		return err
	}

	s.srv, s.ln, s.done, s.tape = srv, ln, done, t
	s.running.Store(true)
	log.WithField("bound", ln.Addr().String()).Info("proxy started")
	return nil
}

// Stop restores the system proxy and shuts the proxy down. The proxy is
// stopped even if restoring fails; the restore error is returned.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop()
}

func (s *Server) stop() error {
	if !s.running.Load() {
		return ErrAlreadyStopped
	}
	log := s.log.WithField("tape", s.tape.Name())

	restoreErr := s.override.DeactivateAll()
	if restoreErr != nil {
		log.WithError(restoreErr).Error("restoring system proxy")
	}
	s.shutdown(s.srv, s.ln, s.done)

	s.srv, s.ln, s.done, s.tape = nil, nil, nil, nil
	s.running.Store(false)
	log.Info("proxy stopped")
	return restoreErr
}

// OnRecorderStart starts the proxy for t. It does nothing if the proxy is
// already running; the tape it was started with stays in use.
func (s *Server) OnRecorderStart(t Tape) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}
	return s.start(t)
}

// OnRecorderStop stops the proxy if it is running.
func (s *Server) OnRecorderStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return nil
	}
	return s.stop()
}

func (s *Server) shutdown(srv *http.Server, ln *trackingListener, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("in-flight exchanges cut off")
	}
	srv.Close() // nolint: errcheck
	ln.closeConns()
	<-done
}

// newProxy builds the goproxy handler chain: authentication first, then the
// tunnel strategy, then the tape filters.
func (s *Server) newProxy(t Tape) (*goproxy.ProxyHttpServer, error) {
	gp := goproxy.NewProxyHttpServer()
	gp.Logger = goproxyLogger{s.log}
	gp.Verbose = debugEnabled(s.log)

	tlsCfg, err := upstreamTLSConfig(s.cfg.UpstreamCAFile)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	gp.Tr = &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	if s.cfg.User != "" {
		installAuth(gp, CredentialsAuthenticator{User: s.cfg.User, Password: s.cfg.Password}, s.log)
	}

	if s.cfg.TLS {
		ca, err := LoadCA(s.cfg.CACertFile, s.cfg.CAKeyFile)
		if err != nil {
			return nil, err
		}
		// Decrypted requests are sent straight to the origin.
		gp.ConnectDial = dialer.Dial
		gp.OnRequest().HandleConnect(NewMITMStrategy(ca))
	} else {
		chain := NewChain(gp, dialer, s.override.Upstream)
		gp.Tr.Proxy = chain.Proxy
		gp.ConnectDial = chain.Dial
		gp.OnRequest().HandleConnect(TunnelStrategy{})
	}

	fs := &FilterSource{
		Tape:                 t,
		MaxRequestBufferSize: s.cfg.RequestBufferSize,
		Logger:               s.log,
	}
	fs.Install(gp)
	return gp, nil
}

// goproxyLogger sends goproxy's verbose output to the debug level.
type goproxyLogger struct {
	log logrus.FieldLogger
}

func (l goproxyLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf(format, v...)
}

func debugEnabled(log logrus.FieldLogger) bool {
	switch l := log.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.DebugLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.DebugLevel)
	}
	return false
}
