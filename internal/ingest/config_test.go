package ingest

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WEBRTC_SERVER_URL",
		"FTL_AUTHORITY_URL",
		"FTL_HTTP_MAX_ATTEMPTS",
		"FTL_HTTP_RETRY_INTERVAL",
		"FTL_EXTERNAL_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestConfigDefaultsWhenEmpty(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv returned error: %v", err)
	}
	if cfg.AllocatorURL != DefaultAllocatorURL {
		t.Fatalf("expected default allocator URL, got %q", cfg.AllocatorURL)
	}
	if cfg.AuthorityURL != DefaultAuthorityURL {
		t.Fatalf("expected default authority URL, got %q", cfg.AuthorityURL)
	}
	if cfg.HTTPMaxAttempts != 1 || cfg.HTTPRetryInterval != 0 || cfg.Timeout != DefaultTimeout {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigReadsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBRTC_SERVER_URL", "http://webrtc:8080")
	t.Setenv("FTL_AUTHORITY_URL", "ws://authority:9000/auth")
	t.Setenv("FTL_HTTP_MAX_ATTEMPTS", "4")
	t.Setenv("FTL_HTTP_RETRY_INTERVAL", "250ms")
	t.Setenv("FTL_EXTERNAL_TIMEOUT", "2s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.AllocatorURL != "http://webrtc:8080" || cfg.AuthorityURL != "ws://authority:9000/auth" {
		t.Fatalf("unexpected URLs: %+v", cfg)
	}
	if cfg.HTTPMaxAttempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", cfg.HTTPMaxAttempts)
	}
	if cfg.HTTPRetryInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms retry interval, got %s", cfg.HTTPRetryInterval)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %s", cfg.Timeout)
	}
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "allocator scheme", key: "WEBRTC_SERVER_URL", value: "ftp://webrtc"},
		{name: "allocator host", key: "WEBRTC_SERVER_URL", value: "http://"},
		{name: "authority scheme", key: "FTL_AUTHORITY_URL", value: "https://meow.com/stream/auth"},
		{name: "attempts", key: "FTL_HTTP_MAX_ATTEMPTS", value: "many"},
		{name: "interval", key: "FTL_HTTP_RETRY_INTERVAL", value: "soon"},
		{name: "timeout", key: "FTL_EXTERNAL_TIMEOUT", value: "later"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := LoadConfigFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestValidateRejectsNegativeDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPRetryInterval = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative retry interval to fail validation")
	}
	cfg = DefaultConfig()
	cfg.Timeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative timeout to fail validation")
	}
}

func TestApplyEnvKeepsBaseValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("FTL_EXTERNAL_TIMEOUT", "3s")

	base := DefaultConfig()
	base.AllocatorURL = "http://allocator.internal:9000"
	base.HTTPMaxAttempts = 4
	cfg, err := ApplyEnv(base)
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.AllocatorURL != "http://allocator.internal:9000" || cfg.HTTPMaxAttempts != 4 {
		t.Fatalf("base values overwritten: %+v", cfg)
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("expected env timeout, got %v", cfg.Timeout)
	}
}
