package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/gr-remote/internal/config"
)

// cfg is loaded by the app's Before hook.
var cfg *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "gr-remote"
	app.Usage = "Bluetooth remote for RICOH GR cameras"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/gr-remote/config.yaml)"},
		cli.StringFlag{Name: "log-level, l", Usage: "override log_level (debug, info, warn, error)"},
		cli.DurationFlag{Name: "timeout, t", Value: 30 * time.Second, Usage: "how long to wait for the camera to connect"},
	}

	app.Commands = []cli.Command{
		{
			Name:   "scan",
			Usage:  "List nearby cameras matching the device filter",
			Action: scan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: 5 * time.Second, Usage: "how long to scan"},
				cli.BoolFlag{Name: "all, a", Usage: "list every advertising device"},
			},
		},
		{
			Name:   "info",
			Usage:  "Show camera firmware, model and serial number",
			Action: info,
		},
		{
			Name:   "battery",
			Usage:  "Show the battery level",
			Action: battery,
		},
		{
			Name:      "geotag",
			Usage:     "Show or switch location tagging",
			ArgsUsage: "[on|off]",
			Action:    geotag,
		},
		{
			Name:   "time",
			Usage:  "Show the camera clock and its drift",
			Action: clock,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "sync, s", Usage: "set the camera clock to the current time"},
			},
		},
		{
			Name:   "power",
			Usage:  "Show whether the camera is switched on",
			Action: power,
		},
		{
			Name:   "watch-battery",
			Usage:  "Print battery changes until interrupted",
			Action: watchBattery,
		},
		{
			Name:   "forget",
			Usage:  "Forget the remembered camera",
			Action: forget,
		},
		{
			Name:   "init-config",
			Usage:  "Write the default config file",
			Action: initConfig,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	var err error
	cfg, err = loadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// printBanner displays the connection settings in debug mode.
func printBanner(cfg *config.Config) {
	if config.ParseLogLevel(cfg.LogLevel) > slog.LevelDebug {
		return
	}
	device := cfg.Device.Identifier
	if device == "" {
		device = fmt.Sprintf("name ~ %q", cfg.Device.NamePattern)
	}
	fmt.Fprintln(os.Stderr, "=== gr-remote ===")
	fmt.Fprintf(os.Stderr, "  Device:   %s\n", device)
	fmt.Fprintf(os.Stderr, "  Protocol: %s\n", cfg.Device.Protocol)
	fmt.Fprintf(os.Stderr, "  State:    %s\n", cfg.Session.StatePath)
	fmt.Fprintf(os.Stderr, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(os.Stderr, "=================")
}
