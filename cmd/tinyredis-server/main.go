// tinyredis-server is the standalone binary: it loads configuration,
// builds the engine and its durability layers, and runs the reactor
// (or, when configured as a replica, the replication client) until a
// shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tinyredis/tinyredis/internal/command"
	"github.com/tinyredis/tinyredis/internal/config"
	"github.com/tinyredis/tinyredis/internal/engine"
	"github.com/tinyredis/tinyredis/internal/logging"
	"github.com/tinyredis/tinyredis/internal/protocol"
	"github.com/tinyredis/tinyredis/internal/replication"
	"github.com/tinyredis/tinyredis/internal/server"
	"github.com/tinyredis/tinyredis/internal/wal"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tinyredis-server",
	Short: "tinyredis-server is a small Redis-protocol-compatible key-value store",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.Int("port", 6380, "TCP port to listen on")
	flags.String("bind", "0.0.0.0", "address to bind the listener to")
	flags.Bool("rdb.enabled", true, "enable snapshot persistence")
	flags.String("rdb.dir", "data", "snapshot directory")
	flags.String("rdb.filename", "dump.mrdb", "snapshot filename")
	flags.Int("rdb.save_interval_seconds", 300, "seconds between scheduled snapshots (0 disables)")
	flags.Bool("aof.enabled", true, "enable the write-ahead log")
	flags.String("aof.path", "data/appendonly.aof", "write-ahead log path")
	flags.String("aof.mode", "every-second", "fsync policy: always, every-second, no-fsync")
	flags.Int64("aof.rewrite_threshold_bytes", 64*1024*1024, "pending bytes before a rewrite fsync is forced")
	flags.Bool("replica.enabled", false, "run as a replica of another instance")
	flags.String("replica.master_host", "", "primary host to replicate from")
	flags.Int("replica.master_port", 0, "primary port to replicate from")
	flags.String("log.level", "info", "log level: debug, info, warn, error")
	flags.String("log.format", "json", "log format: json, console")
	flags.String("log.file", "", "log file path (empty means stderr only)")
	flags.StringVar(&configFile, "config", "", "path to a config file (yaml, json, toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("tinyredis-server starting",
		zap.Int("port", cfg.Port),
		zap.Bool("replica", cfg.Replica.Enabled),
		zap.Bool("aof_enabled", cfg.AOF.Enabled),
	)

	e := engine.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if cfg.Replica.Enabled {
		return runReplica(ctx, cfg, e, logger)
	}
	return runPrimary(ctx, cfg, e, logger)
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func snapshotPath(cfg *config.Config) string {
	if !cfg.RDB.Enabled {
		return ""
	}
	return filepath.Join(cfg.RDB.Dir, cfg.RDB.Filename)
}

// runPrimary restores state from the snapshot and the write-ahead log,
// then serves the reactor until ctx is cancelled.
func runPrimary(ctx context.Context, cfg *config.Config, e *engine.Engine, logger *zap.Logger) error {
	rdbPath := snapshotPath(cfg)
	if rdbPath != "" {
		if err := os.MkdirAll(cfg.RDB.Dir, 0o755); err != nil {
			return fmt.Errorf("creating snapshot directory: %w", err)
		}
		if err := e.LoadSnapshot(rdbPath); err != nil {
			logger.Warn("snapshot load failed, starting from empty keyspace", zap.Error(err))
		}
	}

	var w *wal.WAL
	var walMode wal.Mode
	if cfg.AOF.Enabled {
		walMode = wal.Mode(cfg.AOF.Mode)
		var err error
		w, err = wal.Open(cfg.AOF.Path, walMode, cfg.AOF.RewriteThresholdBytes, logger)
		if err != nil {
			return fmt.Errorf("opening write-ahead log: %w", err)
		}
		defer w.Close()

		replayed := 0
		err = wal.Load(cfg.AOF.Path, func(args []protocol.Value) error {
			replayed++
			return applyLoadedFrame(e, args)
		})
		if err != nil {
			return fmt.Errorf("replaying write-ahead log: %w", err)
		}
		logger.Info("write-ahead log replayed", zap.Int("records", replayed))
	}

	srv := server.New(server.Config{
		Addr:             fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		IsPrimary:        true,
		RDBPath:          rdbPath,
		SaveInterval:     time.Duration(cfg.RDB.SaveIntervalSecond) * time.Second,
		WAL:              w,
		WALMode:          walMode,
		RewriteThreshold: cfg.AOF.RewriteThresholdBytes,
	}, e, logger)

	return srv.Run(ctx)
}

// applyLoadedFrame dispatches one WAL-recovered frame directly against
// the engine via the same command table the reactor uses.
func applyLoadedFrame(e *engine.Engine, args []protocol.Value) error {
	if len(args) == 0 {
		return nil
	}
	name := strings.ToUpper(args[0].Str)
	_, err := command.Apply(e, name, args[1:])
	return err
}

// runReplica serves client reads against a locally-replicated keyspace
// while the replication client streams the primary's mutation log in
// the background. The local server still listens so read traffic can be
// served, but it is never treated as a mutation source of truth: its
// own WAL is disabled and it does not accept SYNC/PSYNC from further
// downstream replicas.
func runReplica(ctx context.Context, cfg *config.Config, e *engine.Engine, logger *zap.Logger) error {
	rdbPath := snapshotPath(cfg)
	if rdbPath == "" {
		rdbPath = filepath.Join(cfg.RDB.Dir, cfg.RDB.Filename)
	}
	if err := os.MkdirAll(filepath.Dir(rdbPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	client := replication.New(replication.Config{
		MasterHost:   cfg.Replica.MasterHost,
		MasterPort:   cfg.Replica.MasterPort,
		SnapshotPath: rdbPath,
	}, e, logger)
	go client.Run(ctx)

	srv := server.New(server.Config{
		Addr:      fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		IsPrimary: false,
		RDBPath:   rdbPath,
	}, e, logger)

	return srv.Run(ctx)
}
