package device

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/metrics"
	"github.com/postalsys/remote-shell/internal/transport"
)

// DefaultDialTimeout bounds the TCP connect of Connect.
const DefaultDialTimeout = 10 * time.Second

// Connect dials a listening host and executes its commands until the host
// closes the connection. A reset without a close handshake is logged and
// treated as a normal end.
func Connect(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
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
	svc := transport.Stack(upgrade, tlsLayer).Wrap(NewExecutor(cfg.Runner, logger))

	logger.Info("connected to host", "tls", cfg.TLS != nil)
	m.RecordConnect(role, "outbound")

	start := time.Now()
	err = svc.Serve(ctx, raw)
	d := time.Since(start)

	switch {
	case err == nil:
		m.RecordDisconnect(metrics.ReasonClosed)
		logger.Info("host closed connection", logging.KeyDuration, d)
		return nil
	case ctx.Err() != nil:
		m.RecordDisconnect(metrics.ReasonCancelled)
		return nil
	case transport.IsBenignDisconnect(err):
		m.RecordDisconnect(metrics.ReasonReset)
		logger.Warn("connection reset by host", logging.KeyError, err, logging.KeyDuration, d)
		return nil
	}

	recordHandshakeError(m, err)
	m.RecordDisconnect(metrics.ReasonError)
	return err
}
