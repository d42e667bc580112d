// Package tlsutil provides the certificate and listener plumbing for IPPS.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ErrNoCertificate is returned when the key pair is missing and may not be
// generated.
var ErrNoCertificate = errors.New("tls certificate not found")

const certLifetime = 5 * 365 * 24 * time.Hour

// Certificates loads and creates server key pairs on Fs.
type Certificates struct {
	Fs  afero.Fs
	Now func() time.Time
}

// EnsureCertificate loads the key pair at certPath and keyPath. When either
// file is missing and autoGenerate is set a self-signed certificate for
// hosts is written first.
func (c Certificates) EnsureCertificate(certPath, keyPath string, hosts []string, autoGenerate bool) (tls.Certificate, error) {
	if certPath == "" || keyPath == "" {
		return tls.Certificate{}, fmt.Errorf("tls: cert and key paths are required")
	}
	fs := c.fs()
	certPEM, certErr := afero.ReadFile(fs, certPath)
	keyPEM, keyErr := afero.ReadFile(fs, keyPath)
	if certErr == nil && keyErr == nil {
		return tls.X509KeyPair(certPEM, keyPEM)
	}
	if !autoGenerate {
		return tls.Certificate{}, fmt.Errorf("%w: %s", ErrNoCertificate, certPath)
	}

	certPEM, keyPEM, err := c.selfSigned(hosts)
	if err != nil {
		return tls.Certificate{}, err
	}
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return tls.Certificate{}, err
		}
	}
	if err := afero.WriteFile(fs, certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	if err := afero.WriteFile(fs, keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func (c Certificates) selfSigned(hosts []string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	notBefore := c.now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ippproxy"},
			CommonName:   "ippproxy",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	seen := map[string]bool{}
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	if len(template.DNSNames) > 0 {
		template.Subject.CommonName = template.DNSNames[0]
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (c Certificates) fs() afero.Fs {
	if c.Fs == nil {
		return afero.NewOsFs()
	}
	return c.Fs
}

func (c Certificates) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// ServerConfig returns the TLS settings used for IPPS.
func ServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
