package config

import "testing"

func TestParseServerFlagsAppliesDefaults(t *testing.T) {
	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":8443" {
		t.Fatalf("expected default addr :8443, got %q", cfg.Addr)
	}
	if cfg.RateLimit != 50 {
		t.Fatalf("expected default rate limit 50, got %d", cfg.RateLimit)
	}
}

func TestParseServerFlagsRejectsNegativeRateLimit(t *testing.T) {
	_, err := ParseServerFlags([]string{"-rate-limit=-1"})
	if err == nil {
		t.Fatalf("expected error for negative rate limit")
	}
}

func TestParseServerFlagsRejectsBadLogFormat(t *testing.T) {
	_, err := ParseServerFlags([]string{"-log-format=xml"})
	if err == nil {
		t.Fatalf("expected error for invalid log format")
	}
}

func TestParseClientFlagsRequiresAddr(t *testing.T) {
	_, err := ParseClientFlags([]string{"-addr="})
	if err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestParseClientFlagsAppliesDefaults(t *testing.T) {
	cfg, err := ParseClientFlags(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.InputQualityPreset != "medium" {
		t.Fatalf("expected default preset medium, got %q", cfg.InputQualityPreset)
	}
}
