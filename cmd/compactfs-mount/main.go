// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// compactfs-mount exposes a lower directory of compressed cluster
// files as a transparent FUSE filesystem. Configuration comes from an
// optional YAML file plus command-line flags; flags win.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
	"github.com/bureau-foundation/compactfs/lib/version"
	"github.com/bureau-foundation/compactfs/lib/volume"
	volumefuse "github.com/bureau-foundation/compactfs/lib/volume/fuse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// config mirrors the command-line flags for file-based deployment.
type config struct {
	LowerDir    string `yaml:"lower_dir"`
	Mountpoint  string `yaml:"mountpoint"`
	ClusterSize uint32 `yaml:"cluster_size"`
	Threshold   uint32 `yaml:"comp_threshold"`
	Algorithm   string `yaml:"comp_type"`
	NoCompress  bool   `yaml:"nocompress"`
	MetricsAddr string `yaml:"metrics_addr"`
	AllowOther  bool   `yaml:"allow_other"`
	LogLevel    string `yaml:"log_level"`
}

func run() error {
	defaults := volume.DefaultOptions()
	cfg := config{
		ClusterSize: defaults.ClusterSize,
		Threshold:   defaults.Threshold,
		Algorithm:   defaults.Algorithm.String(),
		LogLevel:    "info",
	}

	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("compactfs-mount", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file (flags override it)")
	flagSet.StringVar(&cfg.LowerDir, "lower-dir", cfg.LowerDir, "directory holding the compressed lower files (required)")
	flagSet.StringVar(&cfg.Mountpoint, "mountpoint", cfg.Mountpoint, "directory to mount the filesystem at (required)")
	flagSet.Uint32Var(&cfg.ClusterSize, "cluster-size", cfg.ClusterSize, "cluster size in bytes (power of two)")
	flagSet.Uint32Var(&cfg.Threshold, "threshold", cfg.Threshold, "compression admission threshold in percent")
	flagSet.StringVar(&cfg.Algorithm, "algorithm", cfg.Algorithm, "compression algorithm: lz4, zstd, deflate, zlib")
	flagSet.BoolVar(&cfg.NoCompress, "nocompress", cfg.NoCompress, "store every cluster raw")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address (optional)")
	flagSet.BoolVar(&cfg.AllowOther, "allow-other", cfg.AllowOther, "permit other users to access the mount")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("compactfs-mount %s\n", version.Info())
		return nil
	}

	if configPath != "" {
		if err := loadConfig(configPath, &cfg, flagSet); err != nil {
			return err
		}
	}
	if cfg.LowerDir == "" {
		return fmt.Errorf("--lower-dir is required")
	}
	if cfg.Mountpoint == "" {
		return fmt.Errorf("--mountpoint is required")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	algorithm, err := compress.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return err
	}
	opts := volume.DefaultOptions()
	opts.ClusterSize = cfg.ClusterSize
	opts.Threshold = cfg.Threshold
	opts.Algorithm = algorithm
	opts.Compress = !cfg.NoCompress

	store, err := lowerstore.NewDirStore(cfg.LowerDir)
	if err != nil {
		return err
	}
	vol, err := volume.Open(store, opts)
	if err != nil {
		return fmt.Errorf("opening volume on %s: %w", cfg.LowerDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := volumefuse.Mount(volumefuse.Options{
		Mountpoint: cfg.Mountpoint,
		Volume:     vol,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(volume.NewCollector(vol))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		logger.Info("metrics served", "addr", cfg.MetricsAddr)
	}

	<-ctx.Done()
	logger.Info("unmounting", "mountpoint", cfg.Mountpoint)

	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metrics.Shutdown(shutdownCtx)
		cancel()
	}
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmounting %s: %w", cfg.Mountpoint, err)
	}
	server.Wait()
	return vol.Close()
}

// loadConfig merges the YAML file under the already-parsed flags:
// values given on the command line keep precedence.
func loadConfig(path string, cfg *config, flagSet *pflag.FlagSet) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var fromFile config
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	merge := func(flagName string, apply func()) {
		if !flagSet.Changed(flagName) {
			apply()
		}
	}
	merge("lower-dir", func() {
		if fromFile.LowerDir != "" {
			cfg.LowerDir = fromFile.LowerDir
		}
	})
	merge("mountpoint", func() {
		if fromFile.Mountpoint != "" {
			cfg.Mountpoint = fromFile.Mountpoint
		}
	})
	merge("cluster-size", func() {
		if fromFile.ClusterSize != 0 {
			cfg.ClusterSize = fromFile.ClusterSize
		}
	})
	merge("threshold", func() {
		if fromFile.Threshold != 0 {
			cfg.Threshold = fromFile.Threshold
		}
	})
	merge("algorithm", func() {
		if fromFile.Algorithm != "" {
			cfg.Algorithm = fromFile.Algorithm
		}
	})
	merge("nocompress", func() { cfg.NoCompress = cfg.NoCompress || fromFile.NoCompress })
	merge("metrics-addr", func() {
		if fromFile.MetricsAddr != "" {
			cfg.MetricsAddr = fromFile.MetricsAddr
		}
	})
	merge("allow-other", func() { cfg.AllowOther = cfg.AllowOther || fromFile.AllowOther })
	merge("log-level", func() {
		if fromFile.LogLevel != "" {
			cfg.LogLevel = fromFile.LogLevel
		}
	})
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)
	return logger, nil
}
