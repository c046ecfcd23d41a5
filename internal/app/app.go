// Package app wires the gateway's components together and owns the process
// lifecycle: boot, serve, and a single graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/gateway"
	"wagate/internal/messenger"
	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/upload"
)

type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Messenger domain.Messenger
	// Monitor should be the handler the Messenger reports session events to.
	// Created when nil.
	Monitor *session.Monitor
}

// App is the application context: every long-lived component, built once
// and shared by the request handlers.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	messenger domain.Messenger
	stager    *upload.Stager
	history   *store.SQLiteStore
	metrics   *metrics.Collector
	monitor   *session.Monitor
	server    *gateway.Server

	mu          sync.Mutex
	listener    net.Listener
	listening   chan struct{}
	cancelStart context.CancelFunc
	started     chan struct{} // closed when the Messenger's Start returns

	shutdownOnce sync.Once
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	a := &App{
		cfg:       cfg,
		logger:    logger,
		messenger: messenger.Throttle(opts.Messenger, cfg.Limits.SendsPerMinute, cfg.Limits.Burst),
		monitor:   opts.Monitor,
		listening: make(chan struct{}),
	}
	if a.monitor == nil {
		a.monitor = session.NewMonitor(logger.With("component", "session"))
	}

	stager, err := upload.NewStager(upload.Config{
		Dir:          cfg.Upload.Dir,
		MaxFileBytes: cfg.Upload.MaxFileBytes,
		MaxFiles:     cfg.Upload.MaxFiles,
		FieldName:    cfg.Upload.FieldName,
		Logger:       logger.With("component", "upload"),
	})
	if err != nil {
		return nil, err
	}
	a.stager = stager

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector()
		a.monitor.OnChange(func(ev domain.SessionEvent) {
			a.metrics.SetSessionReady(ev.Type == domain.SessionReady)
		})
	}

	gwCfg := gateway.Config{
		Messenger:   a.messenger,
		Stager:      stager,
		Metrics:     a.metrics,
		MetricsPath: cfg.Metrics.Path,
		Session:     a.monitor,
		SendTimeout: time.Duration(cfg.Server.SendTimeoutSeconds) * time.Second,
		Logger:      logger.With("component", "gateway"),
	}
	if cfg.History.Enabled {
		history, err := store.NewSQLiteStore(cfg.History.DBPath, logger.With("component", "history"))
		if err != nil {
			return nil, fmt.Errorf("delivery history: %w", err)
		}
		a.history = history
		gwCfg.History = history
	}
	a.server = gateway.NewServer(gwCfg)

	return a, nil
}

// Monitor returns the session monitor.
func (a *App) Monitor() *session.Monitor { return a.monitor }

// Listening is closed once the HTTP listener is bound.
func (a *App) Listening() <-chan struct{} { return a.listening }

// Addr returns the bound listener address, or nil before Run has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run boots the gateway and blocks until ctx is cancelled or the listener
// fails, then shuts down. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	a.housekeeping(ctx)
	a.startMessenger()

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.Shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	close(a.listening)

	a.logger.Info("server listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server failed", "err", err)
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	a.Shutdown()
	return runErr
}

// housekeeping clears crash leftovers before the first request.
func (a *App) housekeeping(ctx context.Context) {
	if m := a.cfg.Upload.SweepAfterMinutes; m > 0 {
		if _, err := a.stager.Sweep(time.Duration(m) * time.Minute); err != nil {
			a.logger.Warn("upload sweep failed", "err", err)
		}
	}
	if a.history != nil && a.cfg.History.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -a.cfg.History.RetentionDays)
		n, err := a.history.Prune(ctx, cutoff)
		if err != nil {
			a.logger.Warn("history prune failed", "err", err)
		} else if n > 0 {
			a.logger.Info("pruned delivery history", "removed", n, "olderThanDays", a.cfg.History.RetentionDays)
		}
	}
}

func (a *App) startMessenger() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.cancelStart = cancel
	a.started = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		a.logger.Info("starting messaging client", "client", a.messenger.Name())
		if err := a.messenger.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("messaging client failed to start", "client", a.messenger.Name(), "err", err)
		}
	}()
}

// Shutdown drains the HTTP server, tears down the messaging session and
// closes the history store. Only the first call does anything.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.logger.Info("shutting down gracefully...")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	if err := a.server.Shutdown(drainCtx); err != nil {
		a.logger.Warn("http server did not drain in time", "timeout", timeout, "err", err)
	} else {
		a.logger.Info("HTTP server closed")
	}
	cancelDrain()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), timeout)
	defer cancelStop()

	a.mu.Lock()
	cancelStart, started := a.cancelStart, a.started
	a.mu.Unlock()
	if cancelStart != nil {
		cancelStart()
		select {
		case <-started:
		case <-stopCtx.Done():
		}
	}

	if err := a.messenger.Stop(stopCtx); err != nil {
		a.logger.Error("error during messaging client shutdown", "client", a.messenger.Name(), "err", err)
	} else {
		a.logger.Info("messaging client stopped", "client", a.messenger.Name())
	}
	a.monitor.MarkStopped()
	a.metrics.SetSessionReady(false)

	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("close history", "err", err)
		}
	}
	a.logger.Info("shutdown complete")
}
