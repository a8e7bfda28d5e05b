// Package main is the entry point for the vaultmail temporary mail server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/shineum/vaultmail/internal/config"
	"github.com/shineum/vaultmail/internal/inbox"
	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

var app = &cli.App{
	Name:  "vaultmail",
	Usage: "temporary inbox server with HTTP API and optional SMTP intake",
	Flags: []cli.Flag{
		configFlag,
		envFileFlag,
	},
	Action: serve,
	Commands: []*cli.Command{
		commandServe,
		commandStats,
	},
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to YAML configuration file (optional)",
		EnvVars: []string{"VAULTMAIL_CONFIG"},
	}
	envFileFlag = &cli.StringSliceFlag{
		Name:  "env-file",
		Usage: "dotenv files loaded before reading the environment",
		Value: cli.NewStringSlice(".env"),
	}
)

var commandServe = &cli.Command{
	Name:   "serve",
	Usage:  "run the HTTP API, the SMTP listener and the storage sweeper",
	Action: serve,
}

var commandStats = &cli.Command{
	Name:   "stats",
	Usage:  "print inbox statistics as JSON",
	Action: printStats,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		slog.Error("vaultmail failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads dotenv files, then loads configuration from the
// specified path (YAML + env override) or from environment variables only
// if no path is given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(c.StringSlice(envFileFlag.Name)...); err != nil {
		return nil, err
	}
	if path := c.String(configFlag.Name); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func newSettings(cfg *config.Config, st store.Store) *settings.Service {
	return settings.New(st, settings.Defaults{
		RetentionSeconds: cfg.Mail.RetentionSeconds,
		AppName:          cfg.Admin.AppName,
		Domains:          cfg.Mail.DefaultDomains,
		HomepagePassword: cfg.Admin.HomepagePassword,
	})
}

func printStats(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)

	ctx := context.Background()
	st, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := inbox.New(st, newSettings(cfg, st), inbox.Options{})
	stats, err := svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("collecting stats: %w", err)
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
