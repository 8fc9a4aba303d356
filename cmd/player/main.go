// screen-player: digital signage screen player. Plays the server-assigned
// playlist fullscreen, caches content for offline playback, and reports
// faults back to the signage server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"screen-player/internal/config"
	"screen-player/internal/logging"
	"screen-player/internal/player"
	"screen-player/internal/store"
	"screen-player/internal/system"
	"screen-player/internal/vlc"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "screen-player",
		Short:         "screen-player: digital signage screen player",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config.json")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(setupCmd(&configPath))
	rootCmd.AddCommand(clearCacheCmd(&configPath))
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runCmd starts the player and rebuilds it whenever a restart is requested.
func runCmd(configPath *string) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the player",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fsys := afero.NewOsFs()
			for {
				err := runOnce(ctx, fsys, *configPath, logLevel)
				if errors.Is(err, player.ErrRestart) {
					logrus.Info("re-initializing")
					continue
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	return cmd
}

// runOnce loads the config and runs one player lifetime.
func runOnce(ctx context.Context, fsys afero.Fs, configPath, logLevel string) error {
	cfg, err := loadOrPrompt(fsys, configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, closer, err := logging.Setup(logging.Options{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
		File:  cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Infof("screen-player %s (built %s)", version, buildTime)

	p, err := player.New(player.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Fs:         fsys,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("player init: %w", err)
	}

	err = p.Run(ctx)
	if err == nil {
		logger.Info("shutdown complete")
	}
	return err
}

// loadOrPrompt loads the config, asking for the identity on a terminal
// when it has never been set.
func loadOrPrompt(fsys afero.Fs, path string) (*config.Config, error) {
	cfg, err := config.Load(fsys, path)
	if err != nil {
		return nil, err
	}

	if !cfg.IsConfigured() {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("%s has no screen identity; run `screen-player setup` first", path)
		}
		fmt.Println("This screen is not configured yet.")
		if err := config.Prompt(os.Stdin, os.Stdout, cfg); err != nil {
			return nil, err
		}
		if err := config.Save(fsys, path, cfg); err != nil {
			return nil, err
		}
		fmt.Printf("Configuration saved to %s\n", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func setupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Configure the screen identity interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := afero.NewOsFs()
			cfg, err := config.Load(fsys, *configPath)
			if err != nil {
				return err
			}
			if err := config.Prompt(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(fsys, *configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", *configPath)
			return nil
		},
	}
}

func clearCacheCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove all cached and materialized content (player must be stopped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := afero.NewOsFs()
			cfg, err := config.Load(fsys, *configPath)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Cache.Dir, store.Options{
				MaxBytes:      cfg.Cache.MaxBytes,
				LowWaterRatio: cfg.Cache.LowWaterRatio,
				Logger:        logging.Discard(),
			})
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer st.Close()

			before := st.Stats()
			if err := st.Clear(); err != nil {
				return err
			}

			keep := map[string]bool{vlc.PlaceholderPath(cfg.MediaDir): true}
			removed, err := system.CleanOldFiles(fsys, cfg.MediaDir, 0, keep, logging.Discard())
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached entries (%d MB) and %d media files\n",
				before.Entries, before.TotalBytes/1024/1024, removed)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("screen-player %s\nBuilt: %s\n", version, buildTime)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a system health check",
		Run: func(cmd *cobra.Command, args []string) {
			prober := &system.Prober{Log: logging.Discard()}
			status := prober.Check("/")
			fmt.Printf("CPU Temperature : %.1f°C\n", status.CPUTempC)
			fmt.Printf("Disk Usage      : %.1f%%\n", status.DiskUsedPct)
			fmt.Printf("Disk Free       : %d MB\n", status.DiskFreeBytes/1024/1024)
			fmt.Printf("Throttled       : %v\n", status.Throttled)
		},
	}
}
