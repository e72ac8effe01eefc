package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

// Sha256Hash returns the lowercase hex SHA-256 digest of the input.
func Sha256Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HmacSignature returns the lowercase hex HMAC-SHA256 of the message.
func HmacSignature(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// SecureRandom returns n cryptographically random bytes.
func SecureRandom(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("security: random byte count must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("security: random generation failed: %w", err)
	}
	return buf, nil
}

// CertificateFingerprint returns the SHA-256 fingerprint of a certificate
// in lowercase hex without separators.
func CertificateFingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return Sha256Hash(cert.Raw)
}

// MatchFingerprint reports whether the certificate matches any of the pinned
// fingerprints. Pins are compared case-insensitively with colon separators
// stripped, so values copied from browser tooling work unchanged.
func MatchFingerprint(cert *x509.Certificate, fingerprints []string) bool {
	if cert == nil {
		return false
	}
	actual := CertificateFingerprint(cert)
	for _, pinned := range fingerprints {
		if normalizeFingerprint(pinned) == actual {
			return true
		}
	}
	return false
}

func normalizeFingerprint(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.ReplaceAll(value, ":", "")
}

// FingerprintValidator dials a host over TLS and checks the presented chain
// against pinned fingerprints. A match anywhere in the chain passes, so pins
// may target either the leaf or the issuing CA.
type FingerprintValidator struct {
	DialTimeout time.Duration
	// DialContextFn overrides the TLS dial, for tests.
	DialFn func(network, addr string, cfg *tls.Config) (ConnectionStater, error)
}

// ConnectionStater exposes the TLS state of an established connection.
type ConnectionStater interface {
	ConnectionState() tls.ConnectionState
	Close() error
}

func NewFingerprintValidator() *FingerprintValidator {
	return &FingerprintValidator{DialTimeout: 10 * time.Second}
}

func (v *FingerprintValidator) ValidateCertificate(hostname string, fingerprints []string) error {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return fmt.Errorf("security: hostname is required")
	}
	if len(fingerprints) == 0 {
		return fmt.Errorf("security: no fingerprints pinned for %q", hostname)
	}

	addr := hostname
	if _, _, err := net.SplitHostPort(hostname); err != nil {
		addr = net.JoinHostPort(hostname, "443")
	}

	conn, err := v.dial(addr)
	if err != nil {
		return fmt.Errorf("security: dial %q: %w", addr, err)
	}
	defer conn.Close()

	for _, cert := range conn.ConnectionState().PeerCertificates {
		if MatchFingerprint(cert, fingerprints) {
			return nil
		}
	}
	return fmt.Errorf("security: certificate fingerprint mismatch for %q", hostname)
}

func (v *FingerprintValidator) dial(addr string) (ConnectionStater, error) {
	// Chain verification is skipped because the pinned fingerprint is the
	// trust anchor. Sandbox hosts frequently serve self-signed certificates
	// that no system root would accept.
	cfg := &tls.Config{InsecureSkipVerify: true}
	if v != nil && v.DialFn != nil {
		return v.DialFn("tcp", addr, cfg)
	}
	timeout := 10 * time.Second
	if v != nil && v.DialTimeout > 0 {
		timeout = v.DialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", addr, cfg)
}

// ValidateCertificateFingerprint checks a live host against pinned
// fingerprints with default dial settings.
func ValidateCertificateFingerprint(hostname string, fingerprints []string) error {
	return NewFingerprintValidator().ValidateCertificate(hostname, fingerprints)
}

var _ core.CertificateValidator = (*FingerprintValidator)(nil)
