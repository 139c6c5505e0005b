package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// Certificate rotation threshold: warn when less than 30 days remaining
	certRotationThreshold = 30 * 24 * time.Hour
)

// CertificatePair locates a PEM client certificate and its key
type CertificatePair struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// LoadKeyPair loads one client certificate with its parsed leaf
func LoadKeyPair(pair CertificatePair) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate %s: %w", pair.CertFile, err)
	}

	// Parse certificate to populate Leaf field
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to parse certificate %s: %w", pair.CertFile, err)
		}
		cert.Leaf = leaf
	}

	return cert, nil
}

// LoadClientCertificates loads the configured certificates in order.
// Expired certificates are skipped; the call fails only when none is usable.
func LoadClientCertificates(pairs []CertificatePair) ([]tls.Certificate, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	var certs []tls.Certificate
	var errs []error
	for _, pair := range pairs {
		cert, err := LoadKeyPair(pair)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if GetCertTimeRemaining(cert.Leaf) <= 0 {
			errs = append(errs, fmt.Errorf("certificate %s expired at %s", pair.CertFile, cert.Leaf.NotAfter.Format(time.RFC3339)))
			continue
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no usable client certificate: %w", errors.Join(errs...))
	}
	return certs, nil
}

// LoadCAPool reads a PEM bundle of trusted roots. An empty path returns a
// nil pool, which means the system roots.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// ClientTLSConfig builds a TLS client configuration presenting cert, if any
func ClientTLSConfig(cert *tls.Certificate, roots *x509.CertPool) *tls.Config {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
	}
	if cert != nil {
		config.Certificates = []tls.Certificate{*cert}
	}
	return config
}

// CertNeedsRotation checks if a certificate needs rotation
func CertNeedsRotation(cert *x509.Certificate) bool {
	return GetCertTimeRemaining(cert) < certRotationThreshold
}

// GetCertTimeRemaining returns time remaining until certificate expires
func GetCertTimeRemaining(cert *x509.Certificate) time.Duration {
	if cert == nil {
		return 0
	}
	return time.Until(cert.NotAfter)
}

// Subject returns a short identity for logs
func Subject(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return fmt.Sprintf("%s (serial %s)", cert.Subject.CommonName, cert.SerialNumber)
}
