package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/app"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/config"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/logging"
)

var serveFlagKeys = map[string]string{
	"mode":         "FEEDBACK_MODE",
	"port":         "FEEDBACK_HTTP_PORT",
	"timeout":      "FEEDBACK_TIMEOUT_SECONDS",
	"open-browser": "FEEDBACK_OPEN_BROWSER",
	"prompts-db":   "FEEDBACK_PROMPTS_DB",
	"prompts-file": "FEEDBACK_PROMPTS_FILE",
	"log-level":    "LOG_LEVEL",
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio or streamable HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.String("mode", string(domain.TransportModeStdio), "transport mode: stdio or http")
	flags.Int("port", 5000, "listen port in http mode")
	flags.Int("timeout", 300, "feedback timeout in seconds")
	flags.Bool("open-browser", true, "open the feedback page in the default browser")
	flags.String("prompts-db", ":memory:", "sqlite database holding prompt templates")
	flags.String("prompts-file", "", "yaml file of prompt templates to load at startup")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	return cmd
}

func loadConfig(cmd *cobra.Command, configFile string) (*config.Config, error) {
	v := config.NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

// bindFlags lets explicitly set flags override environment and file values.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range serveFlagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol in stdio mode; logs always go to stderr.
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("starting mcp-feedback-collector", "mode", cfg.Mode)
	if cfg.Mode == domain.TransportModeHTTP {
		return a.RunHTTP(ctx)
	}
	return a.RunStdio(ctx, os.Stdin, os.Stdout)
}
