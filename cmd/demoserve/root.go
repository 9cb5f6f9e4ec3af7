package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"demoserve/internal/common/fsutil"
	"demoserve/internal/config"
	"demoserve/internal/server"
)

// app carries the resolved configuration and shared handles of one
// invocation.
type app struct {
	cfg    config.Config
	log    zerolog.Logger
	stdout io.Writer
	stderr io.Writer
	// useEnv enables .env loading and DEMOSERVE_* overrides.
	useEnv bool
	// ready is called once serve is listening.
	ready func(*server.Handle)
}

func newApp() *app {
	return &app{stdout: os.Stdout, stderr: os.Stderr, useEnv: true, log: zerolog.Nop()}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "demoserve",
		Short:         "Serve an interactive model demo locally and share it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := config.Defaults()
	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.String("env-file", ".env", "Dotenv file loaded before reading DEMOSERVE_* variables")
	pf.String("log-level", def.LogLevel, "Log level: debug|info|warn|error")
	pf.String("host", def.Host, "Host to bind and probe")
	pf.Int("port", def.Port, "First port to try")
	pf.Int("port-window", def.PortWindow, "Number of ports to try")
	pf.String("dir", def.ServeDir, "Serve directory")
	pf.String("flag-dir", def.FlagDir, "Flag log directory, relative to the serve directory")
	pf.String("flag-file", def.FlagFile, "Flag log file name")
	pf.String("input", def.Input, "Input kind")
	pf.String("output", def.Output, "Output kind")
	pf.String("templates", "", "Template root on disk (default: embedded)")
	pf.String("static", "", "Static root on disk (default: embedded)")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := a.resolveConfig(cmd)
		if err != nil {
			return err
		}
		lvl, _ := cfg.Level()
		a.cfg = cfg
		a.log = zerolog.New(zerolog.ConsoleWriter{Out: a.stderr, TimeFormat: time.Kitchen}).
			Level(lvl).With().Timestamp().Logger()
		return nil
	}
	root.AddCommand(newServeCmd(a), newBuildCmd(a), newPortCmd(a), newFlagsCmd(a))
	return root
}

// resolveConfig layers defaults, the config file, the environment and the
// flags that were set explicitly, in increasing precedence.
func (a *app) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	cfg := config.Defaults()
	if a.useEnv {
		envFile, _ := f.GetString("env-file")
		if err := godotenv.Load(envFile); err != nil && !(errors.Is(err, fs.ErrNotExist) && !f.Changed("env-file")) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if path, _ := f.GetString("config"); path != "" {
		path, err := fsutil.ExpandHome(path)
		if err != nil {
			return cfg, err
		}
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if a.useEnv {
		if err := cfg.ApplyEnv(); err != nil {
			return cfg, err
		}
	}
	applyFlags(cmd, &cfg)
	if dir, err := fsutil.ExpandHome(cfg.ServeDir); err == nil {
		cfg.ServeDir = dir
	}
	return cfg, cfg.Validate()
}

// applyFlags copies explicitly set flags into cfg. Flags a command does not
// define are skipped.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	flag := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}
	dur := func(name string, dst *config.Duration) {
		if f.Changed(name) {
			d, _ := f.GetDuration(name)
			*dst = config.Duration(d)
		}
	}
	str("log-level", &cfg.LogLevel)
	str("host", &cfg.Host)
	num("port", &cfg.Port)
	num("port-window", &cfg.PortWindow)
	str("dir", &cfg.ServeDir)
	str("flag-dir", &cfg.FlagDir)
	str("flag-file", &cfg.FlagFile)
	str("input", &cfg.Input)
	str("output", &cfg.Output)
	str("templates", &cfg.TemplateDir)
	str("static", &cfg.StaticDir)

	str("model", &cfg.Model.Kind)
	str("model-url", &cfg.Model.URL)
	dur("model-timeout", &cfg.Model.Timeout)
	flag("share", &cfg.Share)
	num("share-retries", &cfg.ShareRetries)
	str("broker-url", &cfg.BrokerURL)
	str("access-log", &cfg.AccessLog)
	flag("metrics", &cfg.Metrics)
	flag("cors", &cfg.CORS.Enabled)
	flag("watch", &cfg.Watch)
	flag("serialize-predict", &cfg.SerializePredict)
	dur("predict-timeout", &cfg.PredictTimeout)
	dur("shutdown-timeout", &cfg.ShutdownTimeout)
}
