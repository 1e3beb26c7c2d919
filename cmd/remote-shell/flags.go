package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/postalsys/remote-shell/internal/config"
)

// endpointFlags override the connection settings of one role.
type endpointFlags struct {
	tls        bool
	cert       string
	key        string
	ca         string
	serverName string
	path       string
	handshake  time.Duration
}

func (f *endpointFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.tls, "tls", false, "Enable TLS")
	fs.StringVar(&f.cert, "cert", "", "Certificate chain file used when listening (PEM or DER)")
	fs.StringVar(&f.key, "key", "", "PKCS8 private key file used when listening (PEM or DER)")
	fs.StringVar(&f.ca, "ca", "", "CA bundle used when dialing (default: system roots)")
	fs.StringVar(&f.serverName, "server-name", "", "Server name verified when dialing")
	fs.StringVar(&f.path, "path", "", "WebSocket upgrade path")
	fs.DurationVar(&f.handshake, "handshake-timeout", 0, "TLS and WebSocket handshake timeout")
}

// apply copies the flags that were set on the command line.
func (f *endpointFlags) apply(fs *pflag.FlagSet, t *config.TLSConfig, path *string, handshake *time.Duration) {
	if fs.Changed("tls") {
		t.Enabled = f.tls
	}
	if fs.Changed("cert") {
		t.Cert = f.cert
	}
	if fs.Changed("key") {
		t.Key = f.key
	}
	if fs.Changed("ca") {
		t.CA = f.ca
	}
	if fs.Changed("server-name") {
		t.ServerName = f.serverName
	}
	if fs.Changed("path") {
		*path = f.path
	}
	if fs.Changed("handshake-timeout") {
		*handshake = f.handshake
	}
}
