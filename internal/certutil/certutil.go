// Package certutil generates development certificates for remote-shell: a
// self-signed CA and server certificates signed by it, with PKCS8 keys.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const organization = "remote-shell"

// Encoding selects the on-disk format written by Save.
type Encoding string

const (
	EncodingPEM Encoding = "pem"
	EncodingDER Encoding = "der"
)

// Options configures certificate generation.
type Options struct {
	// CommonName is the CN field (required).
	CommonName string

	// ValidFor is the certificate validity duration.
	ValidFor time.Duration

	// Hosts are DNS names or IP addresses placed in the SANs.
	Hosts []string

	// IsCA marks the certificate as a signing authority.
	IsCA bool

	// Parent signs the certificate. Nil means self-signed.
	Parent *Certificate
}

// Certificate is a generated certificate with its private key.
type Certificate struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey

	// KeyDER is the PKCS8 encoding of Key.
	KeyDER []byte
}

// CertPEM returns the PEM-encoded certificate.
func (c *Certificate) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw})
}

// KeyPEM returns the PEM-encoded PKCS8 private key.
func (c *Certificate) KeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: c.KeyDER})
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (c *Certificate) Fingerprint() string {
	return Fingerprint(c.Cert)
}

// Save writes the certificate and key to the given paths. The key file is
// written only when keyPath is non-empty.
func (c *Certificate) Save(certPath, keyPath string, enc Encoding) error {
	certData, keyData := c.CertPEM(), c.KeyPEM()
	if enc == EncodingDER {
		certData, keyData = c.Cert.Raw, c.KeyDER
	}

	if err := writeFile(certPath, certData, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if keyPath == "" {
		return nil
	}
	if err := writeFile(keyPath, keyData, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, perm)
}

// Generate creates a certificate with the given options.
func Generate(opts Options) (*Certificate, error) {
	if opts.CommonName == "" {
		return nil, fmt.Errorf("common name is required")
	}
	if opts.ValidFor <= 0 {
		return nil, fmt.Errorf("validity must be positive")
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
	}

	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		template.MaxPathLen = 0
		template.MaxPathLenZero = true
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}

	parent := &template
	signingKey := privateKey
	if opts.Parent != nil {
		parent = opts.Parent.Cert
		signingKey = opts.Parent.Key
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parent, &privateKey.PublicKey, signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Certificate{Cert: cert, Key: privateKey, KeyDER: keyDER}, nil
}

// GenerateCA generates a self-signed CA certificate.
func GenerateCA(commonName string, validFor time.Duration) (*Certificate, error) {
	return Generate(Options{
		CommonName: commonName,
		ValidFor:   validFor,
		IsCA:       true,
	})
}

// GenerateServerCert generates a server certificate for hosts signed by ca.
// localhost and the loopback addresses are always included.
func GenerateServerCert(hosts []string, validFor time.Duration, ca *Certificate) (*Certificate, error) {
	cn := "localhost"
	if len(hosts) > 0 {
		cn = hosts[0]
	}
	all := append([]string{}, hosts...)
	all = append(all, "localhost", "127.0.0.1", "::1")

	return Generate(Options{
		CommonName: cn,
		ValidFor:   validFor,
		Hosts:      dedupe(all),
		Parent:     ca,
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Fingerprint calculates the SHA256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}
