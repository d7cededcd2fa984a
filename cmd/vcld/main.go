package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vclsched/vclsched/internal/buildinfo"
	"github.com/vclsched/vclsched/internal/config"
	"github.com/vclsched/vclsched/internal/daemon"
	"github.com/vclsched/vclsched/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vcld",
	Short: "vcld - computer state and reservation scheduler daemon",
	Long: `vcld owns the reservation store and pending-operation store, runs the
semaphore and token garbage collectors and exposes /metrics and /healthz
when metrics_listen is configured.`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, fromFile, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
			return err
		}
		logger := logging.WithComponent("vcld")
		if fromFile {
			warning, err := config.CheckConfigPermissions(cfg.ConfigPath)
			if err != nil {
				return err
			}
			if warning != "" {
				logger.Warn().Str("path", cfg.ConfigPath).Msg(warning)
			}
		}

		service, err := daemon.Open(cfg)
		if err != nil {
			return err
		}
		if err := config.CheckKeyPermissions(cfg.PendingKeyPath); err != nil {
			_ = service.Close()
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info().Str("build", buildinfo.String()).Str("db", cfg.DBPath).Msg("vcld starting")
		if err := service.Serve(ctx); err != nil {
			return err
		}
		logger.Info().Msg("vcld stopped")
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(buildinfo.VersionTemplate("vcld"))
	rootCmd.Flags().String("config", "", "path to config file (default /etc/vclsched/config.yaml)")
}

// loadConfig reads path when given. Without a path the default file is
// optional and built-in defaults apply when it is absent.
func loadConfig(path string) (config.Config, bool, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, err == nil, err
	}
	return config.LoadDefault()
}
