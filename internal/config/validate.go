package config

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.SocketPath != "" && !filepath.IsAbs(c.SocketPath) {
		errs = append(errs, fmt.Errorf("socket_path %q must be absolute", c.SocketPath))
	}

	if c.EventsListenAddr != "" {
		host, _, err := net.SplitHostPort(c.EventsListenAddr)
		if err != nil {
			errs = append(errs, fmt.Errorf("events_listen_addr %q is not host:port: %w", c.EventsListenAddr, err))
		} else if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			errs = append(errs, fmt.Errorf("events_listen_addr %q must bind a loopback address", c.EventsListenAddr))
		}
	}

	// Clamp intervals to a safe range
	if c.RefreshIntervalSeconds < 60 {
		errs = append(errs, fmt.Errorf("refresh_interval_seconds %d is below minimum 60, clamping", c.RefreshIntervalSeconds))
		c.RefreshIntervalSeconds = 60
	} else if c.RefreshIntervalSeconds > 86400 {
		errs = append(errs, fmt.Errorf("refresh_interval_seconds %d exceeds maximum 86400, clamping", c.RefreshIntervalSeconds))
		c.RefreshIntervalSeconds = 86400
	}

	if c.CacheMaxAgeSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache_max_age_seconds %d is negative, clamping to 0", c.CacheMaxAgeSeconds))
		c.CacheMaxAgeSeconds = 0
	}

	for _, name := range c.UpdateRunLast {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("update_run_last contains an empty target name"))
		}
	}

	// Clamp concurrency settings to a safe range
	if c.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_requests %d is below minimum 1, clamping", c.MaxConcurrentRequests))
		c.MaxConcurrentRequests = 1
	} else if c.MaxConcurrentRequests > 64 {
		errs = append(errs, fmt.Errorf("max_concurrent_requests %d exceeds maximum 64, clamping", c.MaxConcurrentRequests))
		c.MaxConcurrentRequests = 64
	}

	if c.RequestQueueSize < 1 {
		errs = append(errs, fmt.Errorf("request_queue_size %d is below minimum 1, clamping", c.RequestQueueSize))
		c.RequestQueueSize = 1
	} else if c.RequestQueueSize > 1024 {
		errs = append(errs, fmt.Errorf("request_queue_size %d exceeds maximum 1024, clamping", c.RequestQueueSize))
		c.RequestQueueSize = 1024
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
