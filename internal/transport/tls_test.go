package transport

import (
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/remote-shell/internal/certutil"
)

type testPKI struct {
	ca     *certutil.Certificate
	server *certutil.Certificate
}

func newTestPKI(t *testing.T) testPKI {
	t.Helper()
	ca, err := certutil.GenerateCA("test CA", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA() error = %v", err)
	}
	server, err := certutil.GenerateServerCert(nil, time.Hour, ca)
	if err != nil {
		t.Fatalf("GenerateServerCert() error = %v", err)
	}
	return testPKI{ca: ca, server: server}
}

func TestServerTLSConfig(t *testing.T) {
	pki := newTestPKI(t)
	other := newTestPKI(t)

	ecKey := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte("junk")})

	tests := []struct {
		name    string
		cert    []byte
		key     []byte
		wantErr bool
	}{
		{"pem pair", pki.server.CertPEM(), pki.server.KeyPEM(), false},
		{"der pair", pki.server.Cert.Raw, pki.server.KeyDER, false},
		{"pem chain with CA", append(pki.server.CertPEM(), pki.ca.CertPEM()...), pki.server.KeyPEM(), false},
		{"mismatched key", pki.server.CertPEM(), other.server.KeyPEM(), true},
		{"non PKCS8 key", pki.server.CertPEM(), ecKey, true},
		{"garbage cert", []byte("not a certificate"), pki.server.KeyPEM(), true},
		{"empty cert", nil, pki.server.KeyPEM(), true},
		{"key block in cert file", pki.server.KeyPEM(), pki.server.KeyPEM(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ServerTLSConfig(tt.cert, tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrTLSConfig) {
					t.Fatalf("ServerTLSConfig() error = %v, want ErrTLSConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ServerTLSConfig() error = %v", err)
			}
			if len(cfg.Certificates) != 1 {
				t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
			}
			if cfg.ClientAuth != 0 {
				t.Errorf("ClientAuth = %v, want NoClientCert", cfg.ClientAuth)
			}
		})
	}
}

func TestClientTLSConfig(t *testing.T) {
	pki := newTestPKI(t)
	other := newTestPKI(t)

	tests := []struct {
		name      string
		bundle    []byte
		wantRoots bool
		wantErr   bool
	}{
		{"empty uses system roots", nil, false, false},
		{"whitespace uses system roots", []byte("\n  \n"), false, false},
		{"single pem", pki.ca.CertPEM(), true, false},
		{"multiple pem", append(pki.ca.CertPEM(), other.ca.CertPEM()...), true, false},
		{"der", pki.ca.Cert.Raw, true, false},
		{"key in bundle", append(pki.ca.CertPEM(), pki.ca.KeyPEM()...), false, true},
		{"trailing garbage", append(pki.ca.CertPEM(), []byte("garbage")...), false, true},
		{"not a certificate", []byte{0x01, 0x02, 0x03}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ClientTLSConfig(tt.bundle)
			if tt.wantErr {
				if !errors.Is(err, ErrTLSConfig) {
					t.Fatalf("ClientTLSConfig() error = %v, want ErrTLSConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ClientTLSConfig() error = %v", err)
			}
			if got := cfg.RootCAs != nil; got != tt.wantRoots {
				t.Errorf("RootCAs set = %v, want %v", got, tt.wantRoots)
			}
			if len(cfg.Certificates) != 0 {
				t.Error("client config should carry no certificates")
			}
		})
	}
}

func TestServerNameFromAddr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:4433", "127.0.0.1"},
		{"device.example:443", "device.example"},
		{"[::1]:80", "::1"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		if got := ServerNameFromAddr(tt.addr); got != tt.want {
			t.Errorf("ServerNameFromAddr(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
