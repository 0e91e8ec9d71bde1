package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsAreClean(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate, got %v", errs)
	}
}

func TestValidateBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for unknown log level")
	}
	if !strings.Contains(errs[0].Error(), "log_level") {
		t.Fatalf("unexpected error: %v", errs[0])
	}
}

func TestValidateClampsRefreshInterval(t *testing.T) {
	cfg := Default()
	cfg.RefreshIntervalSeconds = 5
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected clamping warning for refresh interval")
	}
	if cfg.RefreshIntervalSeconds != 60 {
		t.Fatalf("RefreshIntervalSeconds = %d, want 60 (clamped)", cfg.RefreshIntervalSeconds)
	}
}

func TestValidateClampsNegativeCacheAge(t *testing.T) {
	cfg := Default()
	cfg.CacheMaxAgeSeconds = -10
	cfg.Validate()
	if cfg.CacheMaxAgeSeconds != 0 {
		t.Fatalf("CacheMaxAgeSeconds = %d, want 0 (clamped)", cfg.CacheMaxAgeSeconds)
	}
}

func TestValidateRejectsRelativeSocketPath(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = "run/sysupdate.sock"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for relative socket path")
	}
}

func TestValidateRejectsNonLoopbackEventsAddr(t *testing.T) {
	cfg := Default()
	cfg.EventsListenAddr = "0.0.0.0:8637"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for non-loopback events address")
	}
}

func TestValidateClampsConcurrency(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentRequests = 0
	cfg.RequestQueueSize = 100000
	cfg.Validate()
	if cfg.MaxConcurrentRequests != 1 {
		t.Fatalf("MaxConcurrentRequests = %d, want 1 (clamped)", cfg.MaxConcurrentRequests)
	}
	if cfg.RequestQueueSize != 1024 {
		t.Fatalf("RequestQueueSize = %d, want 1024 (clamped)", cfg.RequestQueueSize)
	}
}
