package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/metrics"
	"github.com/postalsys/remote-shell/internal/shell"
	"github.com/postalsys/remote-shell/internal/supervisor"
	"github.com/postalsys/remote-shell/internal/transport"
)

// FailurePolicy decides what a fatal connection error does to the server.
type FailurePolicy string

const (
	// PolicyCascade stops the server on the first fatal connection error.
	PolicyCascade FailurePolicy = "cascade"
	// PolicyIsolate logs fatal connection errors and keeps serving.
	PolicyIsolate FailurePolicy = "isolate"
)

const role = "device"

// Config configures the device role.
type Config struct {
	// Address is the listen address for Server or the host address for Connect.
	Address string

	// TLS enables TLS when non-nil: a server config for Server, a client
	// config for Connect.
	TLS *tls.Config

	// ServerName overrides the name verified by Connect. Defaults to the
	// host part of Address.
	ServerName string

	// Path is the WebSocket upgrade path.
	Path string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	// MaxConnections caps concurrent connections (0 = unlimited).
	MaxConnections int

	// AcceptRate limits new connections per second (0 = unlimited).
	AcceptRate  float64
	AcceptBurst int

	FailurePolicy FailurePolicy

	Runner  shell.Runner
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) validate() error {
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	switch c.FailurePolicy {
	case "", PolicyCascade, PolicyIsolate:
	default:
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}
	return nil
}

// Server accepts host connections and serves each with an Executor.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	service  transport.Service[net.Conn]
	listener net.Listener
	nextID   atomic.Uint64
	active   atomic.Int64
	running  atomic.Bool
}

// NewServer builds the connection stack once for all connections.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyCascade
	}

	s := &Server{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyRole, role),
		metrics: metrics.OrDefault(cfg.Metrics),
	}

	tlsLayer := transport.Identity[net.Conn]()
	if cfg.TLS != nil {
		tlsLayer = transport.TLSServerLayer(cfg.TLS, cfg.HandshakeTimeout)
	}
	upgrade := transport.AcceptLayer(transport.UpgradeOptions{
		Path:             cfg.Path,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           s.logger,
		Metrics:          s.metrics,
	})
	s.service = transport.Stack(upgrade, tlsLayer).Wrap(NewExecutor(cfg.Runner, s.logger))

	return s, nil
}

// Listen binds the configured address. Serve calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether Serve is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Connections returns the number of open and accepted connections.
func (s *Server) Connections() (active int64, total uint64) {
	return s.active.Load(), s.nextID.Load()
}

// Serve accepts connections until ctx is cancelled or, under the cascade
// policy, until a connection fails. It returns the error that stopped the
// server, or nil after cancellation. The listener is closed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("device listening",
		logging.KeyLocalAddr, s.listener.Addr().String(),
		"tls", s.cfg.TLS != nil,
		"policy", string(s.cfg.FailurePolicy))

	s.running.Store(true)
	defer s.running.Store(false)

	sup := supervisor.New(ctx, supervisor.Config{
		Name:    "device-server",
		Logger:  s.logger,
		Metrics: s.metrics,
	})

	acceptTask := sup.Go("accept", func(ctx context.Context) error {
		return s.acceptLoop(ctx, sup)
	})

	err := sup.Wait()
	sup.Terminate(acceptTask)

	if err != nil {
		s.logger.Error("device server stopped", logging.KeyError, err)
	} else {
		s.logger.Info("device server stopped")
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, sup *supervisor.Supervisor) error {
	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	var limiter *rate.Limiter
	if s.cfg.AcceptRate > 0 {
		burst := s.cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.AcceptRate), burst)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		raw, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}

		id := s.nextID.Add(1)
		sup.Go("conn-"+strconv.FormatUint(id, 10), func(ctx context.Context) error {
			return s.handle(ctx, id, raw)
		})
	}
}

func (s *Server) handle(ctx context.Context, id uint64, raw net.Conn) error {
	defer raw.Close()
	s.active.Add(1)
	defer s.active.Add(-1)

	logger := s.logger.With(
		logging.KeyConnID, id,
		logging.KeyRemoteAddr, raw.RemoteAddr().String())
	logger.Info("connection accepted")
	s.metrics.RecordConnect(role, "inbound")

	start := time.Now()
	err := s.service.Serve(ctx, raw)
	return s.classify(ctx, logger, err, time.Since(start))
}

// classify logs the end of a connection and decides whether its error is
// reported to the supervisor.
func (s *Server) classify(ctx context.Context, logger *slog.Logger, err error, d time.Duration) error {
	switch {
	case err == nil:
		s.metrics.RecordDisconnect(metrics.ReasonClosed)
		logger.Warn("connection closed", logging.KeyDuration, d)
		return nil
	case ctx.Err() != nil:
		s.metrics.RecordDisconnect(metrics.ReasonCancelled)
		logger.Debug("connection cancelled", logging.KeyDuration, d)
		return err
	case transport.IsBenignDisconnect(err):
		s.metrics.RecordDisconnect(metrics.ReasonReset)
		logger.Warn("connection reset by peer", logging.KeyError, err, logging.KeyDuration, d)
		return nil
	}

	recordHandshakeError(s.metrics, err)
	s.metrics.RecordDisconnect(metrics.ReasonError)
	logger.Error("connection failed", logging.KeyError, err, logging.KeyDuration, d)

	if s.cfg.FailurePolicy == PolicyIsolate {
		return nil
	}
	return err
}

func recordHandshakeError(m *metrics.Metrics, err error) {
	switch {
	case errors.Is(err, transport.ErrTLSHandshake):
		m.RecordHandshakeError(metrics.StageTLS)
	case errors.Is(err, transport.ErrHandshake):
		m.RecordHandshakeError(metrics.StageWebSocket)
	}
}
