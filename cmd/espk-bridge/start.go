package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/espk-bridge/internal/api"
	"github.com/mattjoyce/espk-bridge/internal/auth"
	"github.com/mattjoyce/espk-bridge/internal/bus"
	"github.com/mattjoyce/espk-bridge/internal/config"
	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/lock"
	"github.com/mattjoyce/espk-bridge/internal/log"
	"github.com/mattjoyce/espk-bridge/internal/manager"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
	"github.com/mattjoyce/espk-bridge/internal/storage"
	"github.com/mattjoyce/espk-bridge/internal/tui/portpicker"
)

const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := newFlagSet("start")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	port := fs.String("port", "", "Serial port (overrides serial.port)")
	baud := fs.Int("baud", 0, "Baud rate (overrides serial.baud)")
	busDriver := fs.String("bus", "", "Bus driver: nats or memory (overrides bus.driver)")
	natsURL := fs.String("nats-url", "", "NATS server URL (overrides bus.url)")
	pick := fs.Bool("pick", false, "Choose the serial port interactively")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	applyStartOverrides(cfg, *port, *baud, *busDriver, *natsURL)

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("espk-bridge starting", "version", version, "config", cfg.SourcePath)

	if *pick || (cfg.Serial.Port == "" && isatty.IsTerminal(os.Stdin.Fd())) {
		ports, err := serialport.ListPorts()
		if err != nil {
			logger.Error("failed to list serial ports", "error", err)
			return 1
		}
		chosen, err := portpicker.Run(ports, cfg.Serial.Port)
		if err != nil {
			logger.Error("no serial port chosen", "error", err)
			return 1
		}
		cfg.Serial.Port = chosen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rec journal.Recorder
	var jr *journal.Journal
	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer db.Close()
		jr = journal.New(db)
		rec = jr
		logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	b, err := openBus(cfg, log.WithComponent("bus"))
	if err != nil {
		logger.Error("failed to open bus", "driver", cfg.Bus.Driver, "error", err)
		return 1
	}
	defer b.Close()

	hub := events.NewHub(256)
	mgr, err := manager.New(manager.Options{
		Bus:           b,
		SubjectPrefix: cfg.Bus.SubjectPrefix,
		Open:          lock.Opener(cfg.LockDir, serialport.Open),
		OnTargets:     logTargets(log.WithComponent("targets")),
		Recorder:      rec,
		Events:        hub,
		ReadTimeout:   cfg.Serial.ReadTimeout,
		StopTimeout:   cfg.Serial.StopTimeout,
		InboxSize:     cfg.Bus.InboxSize,
		Logger:        log.WithComponent("manager"),
	})
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		return 1
	}
	defer mgr.Disconnect()

	if err := storage.RequireLocal("lock_dir", cfg.LockDir); err != nil {
		logger.Error("unusable lock directory", "error", err)
		return 1
	}

	if connectAtStart(cfg, *port != "") {
		if err := mgr.Connect(cfg.Serial.Port, cfg.Serial.Baud); err != nil {
			// With the API up an operator can still connect later.
			if !cfg.API.Enabled || errors.Is(err, lock.ErrLocked) {
				logger.Error("failed to connect", "port", cfg.Serial.Port, "error", err)
				return 1
			}
			logger.Warn("initial connect failed; waiting for API connect", "port", cfg.Serial.Port, "error", err)
		}
	} else if !cfg.API.Enabled {
		logger.Error("no serial port configured; set serial.port, pass --port, or enable the API")
		return 1
	} else {
		logger.Info("waiting for API connect", "port", cfg.Serial.Port)
	}

	errCh := make(chan error, 1)

	if jr != nil && cfg.Journal.Retention > 0 {
		go pruneLoop(ctx, jr, cfg.Journal.Retention, logger)
	}

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen:        cfg.API.Listen,
			APIKey:        cfg.API.Auth.APIKey,
			Tokens:        tokenConfigs(cfg.API.Auth.Tokens),
			SubjectPrefix: cfg.Bus.SubjectPrefix,
			DefaultBaud:   cfg.Serial.Baud,
		}, mgr, b, overrideLog(jr), hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	logger.Info("bridge running", "bus", cfg.Bus.Driver, "subject_prefix", cfg.Bus.SubjectPrefix)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("espk-bridge stopped")
	return 0
}

func applyStartOverrides(cfg *config.Config, port string, baud int, driver, natsURL string) {
	if port != "" {
		cfg.Serial.Port = port
	}
	if baud > 0 {
		cfg.Serial.Baud = baud
	}
	if driver != "" {
		cfg.Bus.Driver = driver
	}
	if natsURL != "" {
		cfg.Bus.URL = natsURL
	}
}

// connectAtStart decides whether start opens the link itself. Without the
// API nothing else can, so a configured port always connects.
func connectAtStart(cfg *config.Config, portFlag bool) bool {
	if cfg.Serial.Port == "" {
		return false
	}
	return !cfg.API.Enabled || cfg.Serial.AutoConnect || portFlag
}

// openBus builds the configured bus. The memory bus only reaches this
// process, so overrides then come in through the API.
func openBus(cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.BusDriverMemory:
		return bus.NewMemory(), nil
	case config.BusDriverNATS, "":
		nb, err := bus.ConnectNATS(bus.NATSOptions{
			URL:            cfg.Bus.URL,
			ClientName:     cfg.Bus.ClientName,
			ConnectTimeout: cfg.Bus.ConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return nb, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

func logTargets(logger *slog.Logger) func([]protocol.Target) {
	return func(targets []protocol.Target) {
		online := 0
		for _, t := range targets {
			if t.ConnectionState {
				online++
			}
		}
		logger.Info("targets updated", "count", len(targets), "online", online)
	}
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

// overrideLog keeps a nil *Journal from becoming a non-nil interface.
func overrideLog(j *journal.Journal) api.OverrideLog {
	if j == nil {
		return nil
	}
	return j
}

func pruneLoop(ctx context.Context, j *journal.Journal, retention time.Duration, logger *slog.Logger) {
	prune := func() {
		n, err := j.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("journal prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("journal pruned", "deleted", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
