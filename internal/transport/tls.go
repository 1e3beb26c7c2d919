package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"time"
)

// ServerTLSConfig builds the server-side TLS configuration from an in-memory
// certificate chain and PKCS8 private key. Both PEM and DER input are accepted.
// No client certificates are requested.
func ServerTLSConfig(certData, keyData []byte) (*tls.Config, error) {
	chain, err := parseCertificates(certData)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificate found", ErrTLSConfig)
	}

	keyDER, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, err
	}

	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSConfig, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// ClientTLSConfig builds the client-side TLS configuration. A non-empty CA
// bundle replaces the system trust store; every item in it must be a
// certificate. An empty bundle leaves RootCAs nil so the system roots apply.
func ClientTLSConfig(caBundle []byte) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}

	if len(bytes.TrimSpace(caBundle)) == 0 {
		return config, nil
	}

	ders, err := parseCertificates(caBundle)
	if err != nil {
		return nil, err
	}
	if len(ders) == 0 {
		return nil, fmt.Errorf("%w: CA bundle contains no certificates", ErrTLSConfig)
	}

	pool := x509.NewCertPool()
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: CA bundle item %d: %v", ErrTLSConfig, i, err)
		}
		pool.AddCert(cert)
	}
	config.RootCAs = pool

	return config, nil
}

// parseCertificates returns the DER bytes of every certificate in data. PEM
// input must contain only CERTIFICATE blocks; anything else is DER.
func parseCertificates(data []byte) ([][]byte, error) {
	if !isPEM(data) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parse DER certificates: %v", ErrTLSConfig, err)
		}
		ders := make([][]byte, 0, len(certs))
		for _, c := range certs {
			ders = append(ders, c.Raw)
		}
		return ders, nil
	}

	var ders [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q, want CERTIFICATE", ErrTLSConfig, block.Type)
		}
		ders = append(ders, block.Bytes)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("%w: trailing data after PEM certificates", ErrTLSConfig)
	}
	return ders, nil
}

// parsePrivateKey returns the PKCS8 DER bytes of the key in data.
func parsePrivateKey(data []byte) ([]byte, error) {
	der := data
	if isPEM(data) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no PEM block in private key", ErrTLSConfig)
		}
		if block.Type != "PRIVATE KEY" {
			return nil, fmt.Errorf("%w: private key must be PKCS8, got %q", ErrTLSConfig, block.Type)
		}
		der = block.Bytes
	}
	if _, err := x509.ParsePKCS8PrivateKey(der); err != nil {
		return nil, fmt.Errorf("%w: parse PKCS8 private key: %v", ErrTLSConfig, err)
	}
	return der, nil
}

func isPEM(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN"))
}

// TLSServerLayer terminates TLS on each raw connection before passing the
// encrypted stream inward. A failed handshake closes the connection and
// returns ErrTLSHandshake.
func TLSServerLayer(config *tls.Config, timeout time.Duration) Layer[net.Conn, net.Conn] {
	return LayerFunc[net.Conn, net.Conn](func(inner Service[net.Conn]) Service[net.Conn] {
		return ServiceFunc[net.Conn](func(ctx context.Context, raw net.Conn) error {
			conn := tls.Server(raw, config)
			if err := handshake(ctx, conn, timeout); err != nil {
				return err
			}
			return inner.Serve(ctx, conn)
		})
	})
}

// TLSClientLayer performs the client side of the TLS handshake. When the
// config names no server, the host part of the peer address is verified.
func TLSClientLayer(config *tls.Config, serverName string, timeout time.Duration) Layer[net.Conn, net.Conn] {
	return LayerFunc[net.Conn, net.Conn](func(inner Service[net.Conn]) Service[net.Conn] {
		return ServiceFunc[net.Conn](func(ctx context.Context, raw net.Conn) error {
			cfg := config
			if cfg.ServerName == "" {
				cfg = config.Clone()
				cfg.ServerName = serverName
			}
			conn := tls.Client(raw, cfg)
			if err := handshake(ctx, conn, timeout); err != nil {
				return err
			}
			return inner.Serve(ctx, conn)
		})
	})
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	return nil
}

// ServerNameFromAddr returns the host part of a host:port address.
func ServerNameFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
