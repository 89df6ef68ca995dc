package relay

import (
	"testing"
	"time"
)

func TestGenerateTLSConfigProducesFingerprintAndCert(t *testing.T) {
	cfg, fingerprint, err := GenerateTLSConfig(time.Hour, "example.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}
	if len(fingerprint) != 64 {
		t.Fatalf("expected 64-char hex sha256 fingerprint, got %d chars", len(fingerprint))
	}
}

func TestGenerateTLSConfigDiffersPerCall(t *testing.T) {
	_, fp1, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, fp2, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1 == fp2 {
		t.Fatalf("expected distinct fingerprints across calls (random serial/key)")
	}
}
