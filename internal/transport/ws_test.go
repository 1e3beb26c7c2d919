package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"

	"github.com/postalsys/remote-shell/internal/metrics"
)

type connFunc func(ctx context.Context, conn *Conn) error

type pairOptions struct {
	serverTLS Layer[net.Conn, net.Conn]
	clientTLS Layer[net.Conn, net.Conn]
	server    UpgradeOptions
	client    UpgradeOptions
}

// runPair connects a server stack and a client stack over loopback TCP and
// returns the result of each side.
func runPair(t *testing.T, opts pairOptions, server, client connFunc) (serverErr, clientErr error) {
	t.Helper()

	if opts.serverTLS == nil {
		opts.serverTLS = Identity[net.Conn]()
	}
	if opts.clientTLS == nil {
		opts.clientTLS = Identity[net.Conn]()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverSvc := Stack(AcceptLayer(opts.server), opts.serverTLS).Wrap(ServiceFunc[*Conn](server))
	clientSvc := Stack(DialLayer(opts.client), opts.clientTLS).Wrap(ServiceFunc[*Conn](client))

	errc := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		errc <- serverSvc.Serve(ctx, raw)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	clientErr = clientSvc.Serve(ctx, raw)

	select {
	case serverErr = <-errc:
	case <-ctx.Done():
		t.Fatal("server side did not finish")
	}
	return serverErr, clientErr
}

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

// echoServer sends every binary payload back until the peer closes.
func echoServer(ctx context.Context, conn *Conn) error {
	source, sink, err := conn.Split()
	if err != nil {
		return err
	}
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			return err
		}
		switch frame.Kind {
		case FrameClose:
			return nil
		case FrameBinary:
			if err := sink.Send(ctx, frame.Payload); err != nil {
				return err
			}
		default:
			return ErrUnexpectedFrame
		}
	}
}

// echoClient sends each message, collects the replies, then closes.
func echoClient(messages []string, replies *[]string) connFunc {
	return func(ctx context.Context, conn *Conn) error {
		source, sink, err := conn.Split()
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if err := sink.Send(ctx, []byte(msg)); err != nil {
				return err
			}
			frame, err := source.Next(ctx)
			if err != nil {
				return err
			}
			if frame.Kind != FrameBinary {
				return fmt.Errorf("got frame kind %v, want binary", frame.Kind)
			}
			*replies = append(*replies, string(frame.Payload))
		}
		return sink.Close()
	}
}

func TestRoundTrip(t *testing.T) {
	pki := newTestPKI(t)

	serverTLS, err := ServerTLSConfig(pki.server.CertPEM(), pki.server.KeyPEM())
	if err != nil {
		t.Fatalf("ServerTLSConfig() error = %v", err)
	}
	clientTLS, err := ClientTLSConfig(pki.ca.CertPEM())
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}

	messages := []string{"echo hello", "ls -la /tmp", "", "héllo wörld"}

	tests := []struct {
		name string
		opts pairOptions
	}{
		{"plain", pairOptions{}},
		{"tls", pairOptions{
			serverTLS: TLSServerLayer(serverTLS, time.Second),
			clientTLS: TLSClientLayer(clientTLS, "127.0.0.1", time.Second),
		}},
	}

	var outputs [][]string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMetrics()
			tt.opts.server.Metrics = m
			tt.opts.client.Metrics = newTestMetrics()

			var replies []string
			serverErr, clientErr := runPair(t, tt.opts, echoServer, echoClient(messages, &replies))
			if serverErr != nil {
				t.Errorf("server error = %v", serverErr)
			}
			if clientErr != nil {
				t.Errorf("client error = %v", clientErr)
			}
			if len(replies) != len(messages) {
				t.Fatalf("got %d replies, want %d", len(replies), len(messages))
			}
			for i := range messages {
				if replies[i] != messages[i] {
					t.Errorf("reply %d = %q, want %q", i, replies[i], messages[i])
				}
			}
			if got := testutil.ToFloat64(m.Frames.WithLabelValues(metrics.DirectionReceived, "binary")); got != float64(len(messages)) {
				t.Errorf("server binary frames received = %v, want %d", got, len(messages))
			}
			outputs = append(outputs, replies)
		})
	}

	if len(outputs) == 2 && fmt.Sprint(outputs[0]) != fmt.Sprint(outputs[1]) {
		t.Errorf("plain and TLS outputs differ: %q vs %q", outputs[0], outputs[1])
	}
}

func TestTLSUntrustedServer(t *testing.T) {
	pki := newTestPKI(t)
	other := newTestPKI(t)

	serverTLS, err := ServerTLSConfig(pki.server.CertPEM(), pki.server.KeyPEM())
	if err != nil {
		t.Fatalf("ServerTLSConfig() error = %v", err)
	}
	clientTLS, err := ClientTLSConfig(other.ca.CertPEM())
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}

	called := false
	inner := func(ctx context.Context, conn *Conn) error {
		called = true
		return nil
	}

	serverErr, clientErr := runPair(t, pairOptions{
		serverTLS: TLSServerLayer(serverTLS, time.Second),
		clientTLS: TLSClientLayer(clientTLS, "127.0.0.1", time.Second),
		server:    UpgradeOptions{Metrics: newTestMetrics()},
		client:    UpgradeOptions{Metrics: newTestMetrics()},
	}, inner, inner)

	if !errors.Is(clientErr, ErrTLSHandshake) {
		t.Errorf("client error = %v, want ErrTLSHandshake", clientErr)
	}
	if !errors.Is(serverErr, ErrTLSHandshake) {
		t.Errorf("server error = %v, want ErrTLSHandshake", serverErr)
	}
	if called {
		t.Error("inner service must not run after a failed handshake")
	}
}

func TestInvalidUTF8ClosesWithStatus(t *testing.T) {
	server := func(ctx context.Context, conn *Conn) error {
		source, _, err := conn.Split()
		if err != nil {
			return err
		}
		frame, err := source.Next(ctx)
		if err != nil {
			return err
		}
		_, err = frame.Text()
		return err
	}

	var status websocket.StatusCode
	client := func(ctx context.Context, conn *Conn) error {
		source, sink, err := conn.Split()
		if err != nil {
			return err
		}
		if err := sink.Send(ctx, []byte{0xff, 0xfe, 0xfd}); err != nil {
			return err
		}
		frame, err := source.Next(ctx)
		if err != nil {
			return err
		}
		if frame.Kind != FrameClose {
			return fmt.Errorf("got frame kind %v, want close", frame.Kind)
		}
		status = frame.Status
		return nil
	}

	opts := pairOptions{
		server: UpgradeOptions{Metrics: newTestMetrics()},
		client: UpgradeOptions{Metrics: newTestMetrics()},
	}
	serverErr, clientErr := runPair(t, opts, server, client)
	if !errors.Is(serverErr, ErrInvalidUTF8) {
		t.Errorf("server error = %v, want ErrInvalidUTF8", serverErr)
	}
	if clientErr != nil {
		t.Errorf("client error = %v", clientErr)
	}
	if status != websocket.StatusInvalidFramePayloadData {
		t.Errorf("close status = %v, want %v", status, websocket.StatusInvalidFramePayloadData)
	}
}

func TestSplitOnce(t *testing.T) {
	var splitErr error
	inner := func(ctx context.Context, conn *Conn) error {
		if _, _, err := conn.Split(); err != nil {
			return err
		}
		_, _, splitErr = conn.Split()
		return nil
	}

	opts := pairOptions{
		server: UpgradeOptions{Metrics: newTestMetrics()},
		client: UpgradeOptions{Metrics: newTestMetrics()},
	}
	runPair(t, opts, inner, func(ctx context.Context, conn *Conn) error { return nil })

	if !errors.Is(splitErr, ErrAlreadySplit) {
		t.Errorf("second Split() error = %v, want ErrAlreadySplit", splitErr)
	}
}

func TestAcceptHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	svc := AcceptLayer(UpgradeOptions{
		HandshakeTimeout: 100 * time.Millisecond,
		Metrics:          newTestMetrics(),
	}).Wrap(ServiceFunc[*Conn](func(ctx context.Context, conn *Conn) error {
		t.Error("inner service must not run")
		return nil
	}))

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	raw, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	err = svc.Serve(context.Background(), raw)
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("Serve() error = %v, want ErrHandshake", err)
	}

	// The stream is closed after a failed handshake.
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected closed connection")
	}
}

func TestDialWrongPath(t *testing.T) {
	inner := func(ctx context.Context, conn *Conn) error { return nil }

	serverErr, clientErr := runPair(t, pairOptions{
		server: UpgradeOptions{HandshakeTimeout: 200 * time.Millisecond, Metrics: newTestMetrics()},
		client: UpgradeOptions{Path: "/elsewhere", HandshakeTimeout: time.Second, Metrics: newTestMetrics()},
	}, inner, inner)

	if !errors.Is(clientErr, ErrHandshake) {
		t.Errorf("client error = %v, want ErrHandshake", clientErr)
	}
	if !errors.Is(serverErr, ErrHandshake) {
		t.Errorf("server error = %v, want ErrHandshake", serverErr)
	}
}

func TestStackOrder(t *testing.T) {
	var trace []string
	tag := func(name string) Layer[string, string] {
		return LayerFunc[string, string](func(inner Service[string]) Service[string] {
			return ServiceFunc[string](func(ctx context.Context, req string) error {
				trace = append(trace, name)
				return inner.Serve(ctx, req+"/"+name)
			})
		})
	}

	var got string
	base := ServiceFunc[string](func(ctx context.Context, req string) error {
		got = req
		return nil
	})

	svc := Stack(Stack(tag("inner"), Identity[string]()), tag("outer")).Wrap(base)
	if err := svc.Serve(context.Background(), "req"); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if fmt.Sprint(trace) != "[outer inner]" {
		t.Errorf("trace = %v, want [outer inner]", trace)
	}
	if got != "req/outer/inner" {
		t.Errorf("request = %q, want req/outer/inner", got)
	}
}

func TestIsBenignDisconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("failed to read: %w", io.EOF), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"closed", net.ErrClosed, true},
		{"protocol", ErrInvalidUTF8, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBenignDisconnect(tt.err); got != tt.want {
				t.Errorf("IsBenignDisconnect(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFrameText(t *testing.T) {
	if s, err := (Frame{Payload: []byte("ok")}).Text(); err != nil || s != "ok" {
		t.Errorf("Text() = %q, %v", s, err)
	}
	if _, err := (Frame{Payload: bytes.Repeat([]byte{0xc3}, 3)}).Text(); !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("Text() error = %v, want ErrInvalidUTF8", err)
	}
}
