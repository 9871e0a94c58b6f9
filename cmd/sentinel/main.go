// Command sentinel is the capability-gated WASM tool sidecar entrypoint.
//
// Startup sequence:
//  1. Load and validate config from the environment.
//  2. Initialize structured logger (zap).
//  3. Open the audit ledger (BoltDB), prune stale entries.
//  4. Load the tool registry from the configured tool directory.
//  5. Build the path guard, leak scanner, and (optionally) Vault
//     credential source.
//  6. Construct the sandbox engine.
//  7. Start the Prometheus metrics server (loopback only).
//  8. Start the Unix socket server.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context.
//  2. Stop accepting new connections; let in-flight requests finish.
//  3. Close the sandbox engine.
//  4. Close the audit ledger.
//  5. Flush the logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentrywasm/sidecar/internal/audit"
	"github.com/sentrywasm/sidecar/internal/config"
	"github.com/sentrywasm/sidecar/internal/credential"
	"github.com/sentrywasm/sidecar/internal/leakscan"
	"github.com/sentrywasm/sidecar/internal/metrics"
	"github.com/sentrywasm/sidecar/internal/pathguard"
	"github.com/sentrywasm/sidecar/internal/pipeline"
	"github.com/sentrywasm/sidecar/internal/registry"
	"github.com/sentrywasm/sidecar/internal/sandbox"
	"github.com/sentrywasm/sidecar/internal/server"
)

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentinel-sidecar %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ───────────────────────────────────────────────────
	log, err := buildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sentinel sidecar starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("socket_path", cfg.SocketPath),
		zap.String("tool_dir", cfg.ToolDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Audit ledger ─────────────────────────────────────────────
	ledger, err := audit.Open(cfg.AuditDBPath, audit.DefaultRetentionDays)
	if err != nil {
		log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.AuditDBPath))
	}
	defer ledger.Close() //nolint:errcheck

	pruned, err := ledger.PruneOld()
	if err != nil {
		log.Warn("audit ledger pruning failed", zap.Error(err))
	} else {
		log.Info("audit ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 4: Tool registry ────────────────────────────────────────────
	reg, err := registry.Load(cfg.ToolDir)
	if err != nil {
		log.Fatal("tool registry load failed", zap.Error(err), zap.String("tool_dir", cfg.ToolDir))
	}
	log.Info("tool registry loaded", zap.String("tool_dir", cfg.ToolDir))

	// ── Step 5: Path guard, leak scanner, credential source ─────────────
	guard, err := pathguard.New(cfg.AllowedPaths)
	if err != nil {
		log.Fatal("path guard init failed", zap.Error(err))
	}
	scanner := leakscan.New()

	var vaultSource *credential.VaultSource
	if cfg.VaultAddr != "" {
		vaultSource, err = credential.NewVaultSource(cfg.VaultAddr, os.Getenv("VAULT_TOKEN"), "secret", "sentinel")
		if err != nil {
			log.Warn("vault credential source init failed, continuing without it", zap.Error(err))
			vaultSource = nil
		} else {
			log.Info("vault credential fallback enabled", zap.String("addr", cfg.VaultAddr))
		}
	}

	// ── Step 6: Sandbox engine ───────────────────────────────────────────
	engine, err := sandbox.New(ctx, scanner, cfg.MaxMemoryBytes)
	if err != nil {
		log.Fatal("sandbox engine init failed", zap.Error(err))
	}
	defer engine.Close(context.Background()) //nolint:errcheck

	// ── Step 7: Metrics ──────────────────────────────────────────────────
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))

	pipe := pipeline.New(cfg, reg, guard, scanner, engine, ledger, m, log, vaultSource)

	// ── Step 8: Socket server ────────────────────────────────────────────
	srv := server.New(cfg.SocketPath, pipe, log, cfg.MaxWorkers)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe(ctx)
	}()

	// ── Step 9: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		<-serveErrCh
	case err := <-serveErrCh:
		if err != nil {
			log.Error("socket server exited unexpectedly", zap.Error(err))
		}
		cancel()
	}

	log.Info("sentinel sidecar shutdown complete")
}

// buildLogger constructs a zap.Logger for the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
