package certs

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"
)

func TestNewIdentity(t *testing.T) {
	t.Parallel()

	id, err := NewIdentity(24 * time.Hour)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	if len(id.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	if id.Leaf == nil {
		t.Fatal("leaf certificate not parsed")
	}
	if _, ok := id.TLSCert.PrivateKey.(ed25519.PrivateKey); !ok {
		t.Errorf("private key is %T, want ed25519", id.TLSCert.PrivateKey)
	}

	if id.Leaf.NotAfter.Before(time.Now()) {
		t.Error("certificate already expired")
	}
	validity := id.Leaf.NotAfter.Sub(id.Leaf.NotBefore)
	if want := 24 * time.Hour; validity != want {
		t.Errorf("validity = %v, want %v", validity, want)
	}

	// The pinned fingerprint must be the digest of the DER bytes the
	// viewer actually receives.
	if got, want := id.Fingerprint(), sha256.Sum256(id.TLSCert.Certificate[0]); got != want {
		t.Error("fingerprint does not match certificate bytes")
	}
	if id.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if first, second := id.FingerprintBase64(), id.FingerprintBase64(); first != second {
		t.Errorf("fingerprint not stable across calls: %q vs %q", first, second)
	}
}

func TestNewIdentityLoopbackNames(t *testing.T) {
	t.Parallel()

	id, err := NewIdentity(0)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	found := false
	for _, name := range id.Leaf.DNSNames {
		if name == "localhost" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected localhost in DNS names")
	}

	loopback := false
	for _, ip := range id.Leaf.IPAddresses {
		if ip.IsLoopback() {
			loopback = true
			break
		}
	}
	if !loopback {
		t.Error("expected a loopback IP SAN")
	}
}

func TestNewIdentityValidityBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		validity time.Duration
		want     time.Duration
	}{
		{"zero selects default", 0, DefaultValidity},
		{"negative selects default", -time.Hour, DefaultValidity},
		{"in range kept", 48 * time.Hour, 48 * time.Hour},
		{"over cap clamped", 365 * 24 * time.Hour, MaxValidity},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := NewIdentity(tt.validity)
			if err != nil {
				t.Fatalf("NewIdentity(%v): %v", tt.validity, err)
			}
			got := id.Leaf.NotAfter.Sub(id.Leaf.NotBefore)
			if got != tt.want {
				t.Errorf("validity = %v, want %v", got, tt.want)
			}
			if got > MaxValidity {
				t.Errorf("validity %v exceeds cap %v", got, MaxValidity)
			}
		})
	}
}
