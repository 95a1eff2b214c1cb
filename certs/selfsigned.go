// Package certs mints the ephemeral TLS identity the preview listener
// presents. Viewers authenticate the daemon by pinning the certificate's
// SHA-256 fingerprint rather than by chain validation, so the identity is
// self-signed, bound to the loopback host, and re-keyed on every daemon
// start.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Validity bounds. The default outlives any debugging session; the cap
// keeps a leaked key useless beyond one release cycle, since nothing
// stops a viewer from pinning a stale fingerprint forever.
const (
	DefaultValidity = 7 * 24 * time.Hour
	MaxValidity     = 30 * 24 * time.Hour
)

// clockSkewGrace backdates NotBefore so a viewer with a slightly-behind
// clock accepts a just-minted certificate.
const clockSkewGrace = time.Minute

// Identity is a freshly minted self-signed server certificate together
// with its parsed leaf.
type Identity struct {
	TLSCert tls.Certificate
	Leaf    *x509.Certificate
}

// Fingerprint returns the SHA-256 digest of the DER certificate — the
// value a viewer pins.
func (id *Identity) Fingerprint() [32]byte {
	return sha256.Sum256(id.Leaf.Raw)
}

// FingerprintBase64 returns the fingerprint in the base64 form viewers
// paste into their pinning option.
func (id *Identity) FingerprintBase64() string {
	fp := id.Fingerprint()
	return base64.StdEncoding.EncodeToString(fp[:])
}

// NotAfter returns when the identity expires.
func (id *Identity) NotAfter() time.Time {
	return id.Leaf.NotAfter
}

// NewIdentity generates an Ed25519 key pair and self-signs a loopback
// server certificate around it. validity <= 0 selects DefaultValidity;
// anything longer than MaxValidity is clamped.
func NewIdentity(validity time.Duration) (*Identity, error) {
	switch {
	case validity <= 0:
		validity = DefaultValidity
	case validity > MaxValidity:
		validity = MaxValidity
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}

	der, err := selfSign(pub, priv, validity)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certs: parse minted certificate: %w", err)
	}

	return &Identity{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        leaf,
		},
		Leaf: leaf,
	}, nil
}

// selfSign builds and signs a server certificate for the loopback host.
func selfSign(pub ed25519.PublicKey, priv ed25519.PrivateKey, validity time.Duration) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-clockSkewGrace)
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "beam-preview"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("certs: self-sign: %w", err)
	}
	return der, nil
}

// randomSerial draws a 128-bit serial number.
func randomSerial() (*big.Int, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("certs: serial: %w", err)
	}
	buf[0] &= 0x7F // keep the serial positive
	return new(big.Int).SetBytes(buf[:]), nil
}
