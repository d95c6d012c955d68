// Package main is the entry point for the event kernel daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hivemind-kernel/eventkernel/internal/bridge"
	"github.com/hivemind-kernel/eventkernel/internal/buildinfo"
	"github.com/hivemind-kernel/eventkernel/internal/config"
	"github.com/hivemind-kernel/eventkernel/internal/kernel"
	"github.com/hivemind-kernel/eventkernel/internal/persist"
	"github.com/hivemind-kernel/eventkernel/internal/trigger"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Setup logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "inspect":
			runInspect(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("eventkerneld - multi-agent terminal orchestration kernel")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the kernel: watch trigger files, dispatch events, persist state")
	fmt.Println("  inspect  Print delivery metrics and contract stats, then exit")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig resolves and loads configuration, reconfiguring logger's level
// from cfg.LogLevel when set. Exits the process on any failure, matching
// the CLI's fail-fast startup discipline.
func loadConfig(logger *slog.Logger, configPath string) (*config.Config, *slog.Logger) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.Paths.DataDir, "trigger_dir", cfg.Trigger.Dir)
	return cfg, logger
}

// buildKernel assembles a *kernel.Kernel from cfg, wiring the ring-buffer
// archive's eviction hook when cfg.Paths.ArchiveFile is set.
func buildKernel(cfg *config.Config, logger *slog.Logger) (*kernel.Kernel, *persist.Archive, error) {
	var archive *persist.Archive
	var onEvict kernel.OnEvict
	if cfg.Paths.ArchiveFile != "" {
		var err error
		archive, err = persist.OpenArchive(cfg.Paths.ArchiveFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open ring archive: %w", err)
		}
		onEvict = archive.OnEvictHook(logger)
	}

	kcfg := kernel.Config{
		Ring:             kernel.RingConfig{MaxEntries: cfg.Ring.MaxEntries, MaxAge: cfg.Ring.MaxAge},
		DeferTTL:         cfg.Defer.TTL,
		Engine:           kernel.EngineConfig{SafeModeWindow: cfg.SafeMode.Window, SafeModeThreshold: cfg.SafeMode.Threshold},
		SafeModeCooldown: cfg.SafeMode.Cooldown,
		AckTimeout:       cfg.Delivery.AckTimeout,
		DevMode:          cfg.DevMode,
		OnRingEvict:      onEvict,
	}

	k := kernel.New(kcfg, logger, nil, nil)
	registerDefaultContracts(k)
	return k, archive, nil
}

// registerDefaultContracts registers the starter contract set from
// spec.md §8's worked scenarios: focus-lock deferral and ownership
// exclusion. Operators embedding the kernel register their own
// contracts via kernel.Engine().Register; these are sane-default
// guards so a freshly started daemon isn't wide open.
func registerDefaultContracts(k *kernel.Kernel) {
	k.Engine().Register(&kernel.Contract{
		ID:        "focus-lock-guard",
		AppliesTo: []string{"inject.requested"},
		Preconditions: []kernel.Predicate{
			func(e *kernel.Envelope, state kernel.Vector) bool { return !state.Gates.FocusLocked },
		},
		Severity: kernel.SeverityBlock,
		Action:   kernel.ActionDefer,
		Mode:     kernel.ModeEnforced,
	})
	k.Engine().Register(&kernel.Contract{
		ID:        "ownership-exclusive",
		AppliesTo: []string{"inject.requested", "resize.requested"},
		Preconditions: []kernel.Predicate{
			func(e *kernel.Envelope, state kernel.Vector) bool { return state.Activity == kernel.ActivityIdle },
		},
		Severity: kernel.SeverityBlock,
		Action:   kernel.ActionBlock,
		Mode:     kernel.ModeEnforced,
	})
}

// markerProbe returns a bridge.ProbeFunc that reports a link healthy when
// its marker file exists. The external hm-bridge process and pty wrapper
// are expected to touch this file while connected and remove it on
// disconnect; this keeps connectivity detection file-based like the rest
// of the kernel's I/O instead of introducing a network dial.
func markerProbe(path string) bridge.ProbeFunc {
	return func(ctx context.Context) error {
		_, err := os.Stat(path)
		return err
	}
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting eventkerneld", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, logger := loadConfig(logger, configPath)

	if err := os.MkdirAll(cfg.Paths.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.Paths.DataDir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Trigger.Dir, 0755); err != nil {
		logger.Error("failed to create trigger directory", "path", cfg.Trigger.Dir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Paths.BridgeDir, 0755); err != nil {
		logger.Error("failed to create bridge directory", "path", cfg.Paths.BridgeDir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Paths.PtyDir, 0755); err != nil {
		logger.Error("failed to create pty directory", "path", cfg.Paths.PtyDir, "error", err)
		os.Exit(1)
	}

	k, archive, err := buildKernel(cfg, logger)
	if err != nil {
		logger.Error("failed to build kernel", "error", err)
		os.Exit(1)
	}
	if archive != nil {
		defer archive.Close()
		logger.Info("ring archive opened", "path", cfg.Paths.ArchiveFile)
	}

	if err := persist.LoadMessageState(cfg.Paths.MessageStateFile, k.Tracker()); err != nil {
		logger.Error("failed to load message state", "path", cfg.Paths.MessageStateFile, "error", err)
		os.Exit(1)
	}
	if err := persist.LoadContractStats(cfg.Paths.ContractStatsFile, k.Promotion()); err != nil {
		logger.Error("failed to load contract stats", "path", cfg.Paths.ContractStatsFile, "error", err)
		os.Exit(1)
	}

	ing := trigger.New(trigger.Config{
		Dir:                cfg.Trigger.Dir,
		PollInterval:       cfg.Trigger.PollInterval,
		StaleProcessingAge: cfg.Trigger.StaleProcessingAge,
		FallbackTTL:        cfg.Trigger.FallbackTTL,
		FallbackCap:        cfg.Trigger.FallbackCap,
		WorkerRoles:        cfg.Trigger.WorkerRoles,
	}, k, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ing.Watch(ctx)
	logger.Info("trigger ingestor watching", "dir", cfg.Trigger.Dir, "poll_interval", cfg.Trigger.PollInterval)

	bridgeMgr := bridge.NewManager(logger, func(recipientID string, link bridge.Link, state bridge.LinkState) {
		up := kernel.LinkUp
		if state == bridge.StateDown {
			up = kernel.LinkDown
		}
		switch link {
		case bridge.LinkBridge:
			k.UpdateState(recipientID, kernel.Patch{Bridge: &up})
		case bridge.LinkPty:
			k.UpdateState(recipientID, kernel.Patch{Pty: &up})
		}
	})
	defer bridgeMgr.Stop()

	// Watch every canonical recipient's bridge and pty links. Liveness is a
	// plain marker file per recipient (touched by the external hm-bridge
	// process / pty wrapper), consistent with the rest of the kernel's
	// file-based I/O rather than a network dial.
	for _, role := range trigger.CanonicalRoles() {
		bridgeMgr.Watch(ctx, bridge.WatcherConfig{
			RecipientID: role,
			Link:        bridge.LinkBridge,
			Probe:       markerProbe(filepath.Join(cfg.Paths.BridgeDir, role+".sock")),
			Logger:      logger,
		})
		bridgeMgr.Watch(ctx, bridge.WatcherConfig{
			RecipientID: role,
			Link:        bridge.LinkPty,
			Probe:       markerProbe(filepath.Join(cfg.Paths.PtyDir, role)),
			Logger:      logger,
		})
	}
	logger.Info("bridge connectivity watchers started", "roles", trigger.CanonicalRoles())

	persistTicker := time.NewTicker(30 * time.Second)
	defer persistTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	savePersistedState := func() {
		if err := persist.SaveMessageState(cfg.Paths.MessageStateFile, k.Tracker(), time.Now()); err != nil {
			logger.Error("failed to save message state", "error", err)
		}
		if err := persist.SaveContractStats(cfg.Paths.ContractStatsFile, k.Promotion()); err != nil {
			logger.Error("failed to save contract stats", "error", err)
		}
	}

runLoop:
	for {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
			break runLoop
		case <-persistTicker.C:
			savePersistedState()
			if promoted := k.CheckAndPromote(); len(promoted) > 0 {
				logger.Info("contracts promoted to enforced", "contracts", promoted)
			}
		}
	}

	cancel()
	savePersistedState()
	logger.Info("eventkerneld stopped")
}

func runInspect(logger *slog.Logger, configPath string) {
	cfg, logger := loadConfig(logger, configPath)

	k, archive, err := buildKernel(cfg, logger)
	if err != nil {
		logger.Error("failed to build kernel", "error", err)
		os.Exit(1)
	}
	if archive != nil {
		defer archive.Close()
	}

	if err := persist.LoadMessageState(cfg.Paths.MessageStateFile, k.Tracker()); err != nil {
		logger.Error("failed to load message state", "error", err)
		os.Exit(1)
	}
	if err := persist.LoadContractStats(cfg.Paths.ContractStatsFile, k.Promotion()); err != nil {
		logger.Error("failed to load contract stats", "error", err)
		os.Exit(1)
	}

	metrics := k.Tracker().Metrics()
	fmt.Printf("delivery metrics:\n")
	fmt.Printf("  pending:            %d\n", k.Tracker().PendingCount())
	fmt.Printf("  delivered (15m):    %d\n", metrics.Last15m)
	fmt.Printf("  delivered (1h):     %d\n", metrics.Last1h)
	fmt.Printf("  timed out (total):  %d\n", metrics.TimedOut)
	fmt.Printf("  skipped (total):    %d\n", metrics.Skipped)

	fmt.Printf("\ncontract stats:\n")
	for id, s := range k.Promotion().Snapshot() {
		fmt.Printf("  %-30s mode=%-9s sessions=%-4d shadowViolations=%-4d falsePositives=%-4d signoffs=%d\n",
			id, s.Mode, s.SessionsTracked, s.ShadowViolations, s.FalsePositives, len(s.AgentSignoffs))
	}
}
