// clanker-spankerd is the monitor daemon. It owns the monitor registry,
// supervises clanker-loop processes, and serves the local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ANonABento/clanker-spanker/api"
	"github.com/ANonABento/clanker-spanker/config"
	"github.com/ANonABento/clanker-spanker/exec"
	"github.com/ANonABento/clanker-spanker/github"
	"github.com/ANonABento/clanker-spanker/logger"
	"github.com/ANonABento/clanker-spanker/monitor"
	"github.com/ANonABento/clanker-spanker/paths"
	"github.com/ANonABento/clanker-spanker/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clanker-spankerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "config file path (default: standard location)")
		addr       = flag.String("addr", "", "API listen address (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return err
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	defer logger.Close()
	logger.SetDebug(*debug || cfg.Debug)
	log := logger.WithComponent("daemon")

	dbPath, err := paths.DatabasePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	executor := exec.NewRealExecutor()
	mgr := monitor.NewManager(monitor.ManagerConfig{
		Store:                  st,
		Sink:                   monitor.NewOutputSink(cfg.SinkCapacity),
		Logger:                 logger.Get(),
		LoopCommand:            loopCommand(cfg),
		DefaultMaxIterations:   cfg.MaxIterations,
		DefaultIntervalMinutes: cfg.IntervalMinutes,
		CloneResolver:          github.NewCloneResolver(executor, cfg.GetRepos()),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Monitors from a previous daemon refer to processes that no longer
	// exist. Fail them before accepting new work.
	if n, err := mgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile monitors: %w", err)
	} else if n > 0 {
		log.Info("reconciled stale monitors", "count", n)
	}

	listenAddr := cfg.APIAddr
	if *addr != "" {
		listenAddr = *addr
	}
	server := &http.Server{
		Addr:    listenAddr,
		Handler: api.NewServer(mgr, logger.Get()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API shutdown error", "error", err)
	}
	return nil
}

// loopCommand resolves the clanker-loop binary: config override first, then
// a sibling of the daemon executable, then PATH.
func loopCommand(cfg *config.Config) string {
	if cfg.LoopCommand != "" {
		return cfg.LoopCommand
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "clanker-loop")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "clanker-loop"
}
