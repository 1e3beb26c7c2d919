package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"nhooyr.io/websocket"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/metrics"
)

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// FrameBinary carries a command or its output.
	FrameBinary FrameKind = iota
	// FrameText is any data frame the protocol does not use.
	FrameText
	// FrameClose is the peer's graceful shutdown signal.
	FrameClose
)

// String returns the metric label for the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameBinary:
		return "binary"
	case FrameText:
		return "text"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one inbound application message.
type Frame struct {
	Kind    FrameKind
	Payload []byte

	// Status and Reason are set for FrameClose.
	Status websocket.StatusCode
	Reason string
}

// Text returns the payload as a string, or ErrInvalidUTF8.
func (f Frame) Text() (string, error) {
	if !utf8.Valid(f.Payload) {
		return "", ErrInvalidUTF8
	}
	return string(f.Payload), nil
}

// Conn is an upgraded, message-framed connection. It is owned by the service
// it is handed to and must be split before use.
type Conn struct {
	ws      *websocket.Conn
	local   net.Addr
	remote  net.Addr
	metrics *metrics.Metrics
	split   atomic.Bool
}

func newConn(ws *websocket.Conn, raw net.Conn, m *metrics.Metrics) *Conn {
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{
		ws:      ws,
		local:   raw.LocalAddr(),
		remote:  raw.RemoteAddr(),
		metrics: metrics.OrDefault(m),
	}
}

// LocalAddr returns the local address of the underlying stream.
func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the peer address of the underlying stream.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// Subprotocol returns the negotiated WebSocket subprotocol.
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// Split returns the read and write halves of the connection. Each half must
// be used by a single goroutine. Split may be called only once.
func (c *Conn) Split() (*FrameSource, *FrameSink, error) {
	if c.split.Swap(true) {
		return nil, nil, ErrAlreadySplit
	}
	return &FrameSource{ws: c.ws, metrics: c.metrics}, &FrameSink{ws: c.ws, metrics: c.metrics}, nil
}

// Close performs the close handshake with a normal status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection without a close handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}

// finish closes the connection once its service has returned, choosing the
// close status from the service result.
func (c *Conn) finish(err error) {
	switch {
	case err == nil:
		c.ws.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, ErrInvalidUTF8):
		c.ws.Close(websocket.StatusInvalidFramePayloadData, "invalid UTF-8")
	case errors.Is(err, ErrUnexpectedFrame):
		c.ws.Close(websocket.StatusUnsupportedData, "unexpected frame")
	default:
		c.ws.CloseNow()
	}
}

// FrameSource is the read half of a Conn.
type FrameSource struct {
	ws      *websocket.Conn
	metrics *metrics.Metrics
}

// Next blocks until the next frame arrives. A close frame from the peer is
// returned as a FrameClose frame, not as an error. Cancelling ctx closes the
// connection.
func (s *FrameSource) Next(ctx context.Context) (Frame, error) {
	typ, data, err := s.ws.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			s.metrics.RecordFrameReceived(FrameClose.String(), 0)
			return Frame{Kind: FrameClose, Status: ce.Code, Reason: ce.Reason}, nil
		}
		return Frame{}, err
	}

	kind := FrameBinary
	if typ != websocket.MessageBinary {
		kind = FrameText
	}
	s.metrics.RecordFrameReceived(kind.String(), len(data))
	return Frame{Kind: kind, Payload: data}, nil
}

// FrameSink is the write half of a Conn.
type FrameSink struct {
	ws      *websocket.Conn
	metrics *metrics.Metrics
}

// Send writes payload as one binary frame.
func (s *FrameSink) Send(ctx context.Context, payload []byte) error {
	if err := s.ws.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return err
	}
	s.metrics.RecordFrameSent(FrameBinary.String(), len(payload))
	return nil
}

// Close sends a normal close frame and waits for the peer's reply.
func (s *FrameSink) Close() error {
	err := s.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	s.metrics.RecordFrameSent(FrameClose.String(), 0)
	return nil
}

// UpgradeOptions configures the WebSocket stage of the stack.
type UpgradeOptions struct {
	// Path is the HTTP path of the upgrade request. Defaults to DefaultPath.
	Path string

	// Host is the Host header sent by the dialing side. Defaults to the
	// peer address.
	Host string

	// HandshakeTimeout bounds the upgrade. Defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o UpgradeOptions) withDefaults() UpgradeOptions {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	o.Logger = logging.OrNop(o.Logger)
	o.Metrics = metrics.OrDefault(o.Metrics)
	return o
}

// AcceptLayer performs the server side of the WebSocket upgrade on each
// stream and hands the framed connection to the inner service. The
// connection is closed when the inner service returns.
func AcceptLayer(opts UpgradeOptions) Layer[*Conn, net.Conn] {
	opts = opts.withDefaults()
	return LayerFunc[*Conn, net.Conn](func(inner Service[*Conn]) Service[net.Conn] {
		return ServiceFunc[net.Conn](func(ctx context.Context, raw net.Conn) error {
			start := time.Now()
			ws, err := accept(ctx, raw, opts)
			if err != nil {
				return err
			}
			opts.Metrics.RecordHandshake(time.Since(start).Seconds())

			conn := newConn(ws, raw, opts.Metrics)
			err = inner.Serve(ctx, conn)
			conn.finish(err)
			return err
		})
	})
}

// DialLayer performs the client side of the WebSocket upgrade.
func DialLayer(opts UpgradeOptions) Layer[*Conn, net.Conn] {
	opts = opts.withDefaults()
	return LayerFunc[*Conn, net.Conn](func(inner Service[*Conn]) Service[net.Conn] {
		return ServiceFunc[net.Conn](func(ctx context.Context, raw net.Conn) error {
			start := time.Now()
			ws, err := dial(ctx, raw, opts)
			if err != nil {
				return err
			}
			opts.Metrics.RecordHandshake(time.Since(start).Seconds())

			conn := newConn(ws, raw, opts.Metrics)
			err = inner.Serve(ctx, conn)
			conn.finish(err)
			return err
		})
	})
}

// accept serves a single HTTP request on raw and upgrades it.
func accept(ctx context.Context, raw net.Conn, opts UpgradeOptions) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	upgraded := make(chan *websocket.Conn, 1)
	failed := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			select {
			case failed <- err:
			default:
			}
			return
		}
		select {
		case upgraded <- ws:
		default:
			ws.CloseNow()
		}
	})

	ln := newOneShotListener(raw)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: opts.HandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(opts.Logger.Handler(), slog.LevelDebug),
	}
	go srv.Serve(ln)

	select {
	case ws := <-upgraded:
		// The upgraded stream has been hijacked, so closing the server
		// only stops its accept loop.
		srv.Close()
		if ws.Subprotocol() != Subprotocol {
			ws.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
			return nil, fmt.Errorf("%w: peer did not offer %s", ErrHandshake, Subprotocol)
		}
		return ws, nil
	case err := <-failed:
		srv.Close()
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	case <-ctx.Done():
		srv.Close()
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
	}
}

// dial sends the upgrade request over raw.
func dial(ctx context.Context, raw net.Conn, opts UpgradeOptions) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	var used atomic.Bool
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				if used.Swap(true) {
					return nil, errors.New("stream already used")
				}
				return raw, nil
			},
			DisableKeepAlives: true,
		},
	}

	host := opts.Host
	if host == "" {
		host = raw.RemoteAddr().String()
	}
	u := url.URL{Scheme: "ws", Host: host, Path: opts.Path}

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   client,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if ws.Subprotocol() != Subprotocol {
		ws.CloseNow()
		return nil, fmt.Errorf("%w: server did not select %s", ErrHandshake, Subprotocol)
	}
	return ws, nil
}

// oneShotListener yields a single connection, then blocks until closed.
type oneShotListener struct {
	mu     sync.Mutex
	conn   net.Conn
	addr   net.Addr
	done   chan struct{}
	closed sync.Once
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{
		conn: conn,
		addr: conn.LocalAddr(),
		done: make(chan struct{}),
	}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error {
	l.closed.Do(func() { close(l.done) })
	return nil
}

func (l *oneShotListener) Addr() net.Addr {
	return l.addr
}
