// Package host implements the operator side of remote-shell: it relays local
// input lines to a device as commands and writes the device's output locally.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/metrics"
	"github.com/postalsys/remote-shell/internal/transport"
)

const role = "host"

// DefaultDialTimeout bounds the TCP connect of Connect.
const DefaultDialTimeout = 10 * time.Second

// Config configures the host role.
type Config struct {
	// Address is the device address for Connect or the listen address for Bind.
	Address string

	// TLS enables TLS when non-nil: a client config for Connect, a server
	// config for Bind.
	TLS *tls.Config

	// ServerName overrides the name verified by Connect.
	ServerName string

	Path             string
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	Relay RelayConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) relay(logger *slog.Logger, m *metrics.Metrics) *Relay {
	rc := c.Relay
	rc.Logger = logger
	rc.Metrics = m
	return NewRelay(rc)
}

// Connect dials a listening device and runs an interactive session on it.
func Connect(ctx context.Context, cfg Config) error {
	logger := logging.OrNop(cfg.Logger).With(logging.KeyRole, role, logging.KeyRemoteAddr, cfg.Address)
	m := metrics.OrDefault(cfg.Metrics)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	defer raw.Close()

	tlsLayer := transport.Identity[net.Conn]()
	if cfg.TLS != nil {
		serverName := cfg.ServerName
		if serverName == "" {
			serverName = transport.ServerNameFromAddr(cfg.Address)
		}
		tlsLayer = transport.TLSClientLayer(cfg.TLS, serverName, cfg.HandshakeTimeout)
	}
	upgrade := transport.DialLayer(transport.UpgradeOptions{
		Path:             cfg.Path,
		Host:             cfg.Address,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Metrics:          m,
	})
	svc := transport.Stack(upgrade, tlsLayer).Wrap(cfg.relay(logger, m))

	logger.Info("connecting to device", "tls", cfg.TLS != nil)
	return session(ctx, svc, raw, "outbound", m)
}

// Listener accepts exactly one device connection and runs a session on it.
type Listener struct {
	cfg     Config
	ln      net.Listener
	logger  *slog.Logger
	metrics *metrics.Metrics
	service transport.Service[net.Conn]

	closeOnce sync.Once
}

// Bind listens on cfg.Address for a device to connect.
func Bind(cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	l := &Listener{
		cfg:     cfg,
		ln:      ln,
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
		Logger:           l.logger,
		Metrics:          l.metrics,
	})
	l.service = transport.Stack(upgrade, tlsLayer).Wrap(cfg.relay(l.logger, l.metrics))

	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve waits for one device, closes the listener, and runs the session.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	l.logger.Info("waiting for device",
		logging.KeyLocalAddr, l.ln.Addr().String(),
		"tls", l.cfg.TLS != nil)

	raw, err := l.ln.Accept()
	l.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	defer raw.Close()

	l.logger.Info("device connected", logging.KeyRemoteAddr, raw.RemoteAddr().String())
	return session(ctx, l.service, raw, "inbound", l.metrics)
}

// Close stops waiting for a device.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
	})
	return err
}

func session(ctx context.Context, svc transport.Service[net.Conn], raw net.Conn, direction string, m *metrics.Metrics) error {
	m.RecordConnect(role, direction)
	err := svc.Serve(ctx, raw)

	switch {
	case err == nil:
		m.RecordDisconnect(metrics.ReasonClosed)
		return nil
	case ctx.Err() != nil:
		m.RecordDisconnect(metrics.ReasonCancelled)
		return nil
	case transport.IsBenignDisconnect(err):
		m.RecordDisconnect(metrics.ReasonReset)
	default:
		m.RecordDisconnect(metrics.ReasonError)
	}

	switch {
	case errors.Is(err, transport.ErrTLSHandshake):
		m.RecordHandshakeError(metrics.StageTLS)
	case errors.Is(err, transport.ErrHandshake):
		m.RecordHandshakeError(metrics.StageWebSocket)
	}
	return err
}
