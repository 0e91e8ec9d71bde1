package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/breeze-rmm/sysupdate-agent/internal/audit"
	"github.com/breeze-rmm/sysupdate-agent/internal/config"
	"github.com/breeze-rmm/sysupdate-agent/internal/events"
	"github.com/breeze-rmm/sysupdate-agent/internal/health"
	"github.com/breeze-rmm/sysupdate-agent/internal/hostinfo"
	"github.com/breeze-rmm/sysupdate-agent/internal/ipc"
	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
	"github.com/breeze-rmm/sysupdate-agent/internal/privilege"
	"github.com/breeze-rmm/sysupdate-agent/internal/sysupdate1"
	"github.com/breeze-rmm/sysupdate-agent/internal/updates"
	"github.com/breeze-rmm/sysupdate-agent/internal/workerpool"
)

const (
	connectMaxInterval = 30 * time.Second
	connectMaxElapsed  = 5 * time.Minute
	refreshCallTimeout = 2 * time.Minute
	drainTimeout       = 10 * time.Second
)

func runDaemon() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logOutput io.Writer = os.Stdout
	var rotator *logging.RotatingWriter
	if cfg.LogFile != "" {
		rotator, err = logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer rotator.Close()
		logOutput = logging.TeeWriter(os.Stdout, rotator)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOutput)
	log := logging.L("main")

	// Validation clamps out-of-range values in place and warns.
	cfg.Validate()

	if err := privilege.RequireRoot(); err != nil {
		return err
	}

	log.Info("starting sysupdate agent", "version", version, "socket", cfg.SocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			if rotator != nil {
				if err := rotator.Reopen(); err != nil {
					log.Error("failed to reopen log file", "error", err)
				} else {
					log.Info("log file reopened")
				}
			}
		}
	}()

	auditLog, err := audit.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	monitor := health.NewMonitor()

	svc, err := connectService(ctx, log)
	if err != nil {
		return err
	}
	monitor.Update("dbus", health.Healthy, "")

	host := hostinfo.Info{OSName: "unknown", OSVersion: "unknown"}
	if hi, err := hostinfo.Collect(); err != nil {
		log.Warn("could not read host info", "error", err)
	} else {
		host = *hi
	}

	mgr := updates.New(cfg, svc, host)

	hub := events.NewHub(cfg.EventsListenAddr)
	mgr.OnAppChanged(hub)
	if err := hub.Start(); err != nil {
		// The daemon stays useful without the event stream.
		log.Error("events hub failed to start", "error", err)
		monitor.Update("events", health.Unhealthy, err.Error())
	} else {
		monitor.Update("events", health.Healthy, "")
	}

	mgr.Start()

	refreshOnce := func(maxAge time.Duration) {
		rctx, rcancel := context.WithTimeout(ctx, refreshCallTimeout)
		defer rcancel()
		if err := mgr.RefreshMetadata(rctx, maxAge); err != nil {
			log.Warn("metadata refresh failed", "error", err)
			monitor.Update("refresh", health.Degraded, err.Error())
			return
		}
		monitor.Update("refresh", health.Healthy, "")
	}
	refreshOnce(0)

	pool := workerpool.New(cfg.MaxConcurrentRequests, cfg.RequestQueueSize)
	server := ipc.NewServer(cfg.SocketPath, mgr, pool, auditLog)
	server.Version = version
	server.StartedAt = time.Now()
	server.Health = monitor

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Listen(ctx)
	}()

	auditLog.Log(audit.EventAgentStart, "", map[string]any{"version": version})

	interval := time.Duration(cfg.RefreshIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := time.Duration(cfg.CacheMaxAgeSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			break loop
		case err := <-serverDone:
			if err != nil {
				log.Error("control socket failed", "error", err)
				runErr = err
			}
			break loop
		case <-ticker.C:
			refreshOnce(maxAge)
		}
	}

	// Stop intake first, then let the notification stream drain so the
	// tracker can settle before the pool is drained.
	cancel()
	server.Close()
	hub.Close()
	svc.Close()
	mgr.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	pool.Shutdown(drainCtx)

	auditLog.Log(audit.EventAgentStop, "", nil)
	log.Info("agent stopped")
	return runErr
}

// connectService reaches the sysupdate service with exponential
// backoff. The service is bus-activated, so failures here usually mean
// the bus itself is unavailable.
func connectService(ctx context.Context, log *slog.Logger) (*sysupdate1.Client, error) {
	policy := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         connectMaxInterval,
		MaxElapsedTime:      connectMaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	var svc *sysupdate1.Client
	operation := func() error {
		var err error
		svc, err = sysupdate1.Connect(ctx)
		if err != nil {
			log.Warn("cannot reach the update service, retrying", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("connect update service: %w", err)
	}
	return svc, nil
}
