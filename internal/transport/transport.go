// Package transport provides the layered connection stack shared by the host
// and device roles: an optional TLS stage over a raw TCP stream, a WebSocket
// framing stage, and the split frame source/sink handed to the application.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"nhooyr.io/websocket"
)

const (
	// DefaultPath is the HTTP path used for the WebSocket upgrade.
	DefaultPath = "/shell"

	// Subprotocol is the WebSocket subprotocol negotiated by both roles.
	Subprotocol = "remote-shell/1"

	// DefaultHandshakeTimeout bounds each of the TLS and WebSocket handshakes.
	DefaultHandshakeTimeout = 10 * time.Second

	// MaxMessageSize is the largest frame payload accepted from a peer.
	MaxMessageSize = 16 * 1024 * 1024
)

var (
	// ErrTLSConfig is returned for malformed or mismatched certificate material.
	ErrTLSConfig = errors.New("invalid TLS configuration")

	// ErrTLSHandshake is returned when the TLS handshake of a connection fails.
	ErrTLSHandshake = errors.New("TLS handshake failed")

	// ErrHandshake is returned when the WebSocket upgrade of a connection fails.
	ErrHandshake = errors.New("WebSocket handshake failed")

	// ErrInvalidUTF8 is returned when a binary payload is not valid UTF-8 text.
	ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

	// ErrUnexpectedFrame is returned when a peer sends a frame kind the
	// protocol does not use.
	ErrUnexpectedFrame = errors.New("unexpected frame")

	// ErrAlreadySplit is returned when Split is called more than once.
	ErrAlreadySplit = errors.New("connection already split")
)

// Service handles one request. For the connection stack the request is a
// connection and Serve returns when that connection is finished.
type Service[Req any] interface {
	Serve(ctx context.Context, req Req) error
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc[Req any] func(ctx context.Context, req Req) error

// Serve calls f(ctx, req).
func (f ServiceFunc[Req]) Serve(ctx context.Context, req Req) error {
	return f(ctx, req)
}

// Layer turns a service for Inner requests into a service for Outer requests.
type Layer[Inner, Outer any] interface {
	Wrap(inner Service[Inner]) Service[Outer]
}

// LayerFunc adapts a function to the Layer interface.
type LayerFunc[Inner, Outer any] func(inner Service[Inner]) Service[Outer]

// Wrap calls f(inner).
func (f LayerFunc[Inner, Outer]) Wrap(inner Service[Inner]) Service[Outer] {
	return f(inner)
}

// Identity returns a layer that passes requests through unchanged. It stands
// in for the TLS layer when TLS is disabled.
func Identity[Req any]() Layer[Req, Req] {
	return LayerFunc[Req, Req](func(inner Service[Req]) Service[Req] {
		return inner
	})
}

// Stack composes two layers: requests flow through outer first, then inner.
func Stack[A, B, C any](inner Layer[A, B], outer Layer[B, C]) Layer[A, C] {
	return LayerFunc[A, C](func(svc Service[A]) Service[C] {
		return outer.Wrap(inner.Wrap(svc))
	})
}

// IsBenignDisconnect reports whether err is a transport reset that ends a
// connection without a completed close handshake. Such disconnects are
// expected when a peer exits and are not escalated.
func IsBenignDisconnect(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}

// IsClose reports whether err carries a WebSocket close frame received from
// the peer.
func IsClose(err error) bool {
	return websocket.CloseStatus(err) != -1
}
