package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/FranksOps/pinpoint/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	stdout     io.Writer
	stderr     io.Writer
}

// globalFlags maps config keys to the root's persistent flags.
var globalFlags = map[string]string{
	"log.level":       "log-level",
	"log.format":      "log-format",
	"storage.backend": "storage",
	"storage.dsn":     "storage-dsn",
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "pinpoint",
		Short:         "Resolve product descriptions to canonical product pages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./pinpoint.yaml when present)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("storage", config.BackendNone, "audit log backend: none, csv, json, sqlite or postgres")
	pf.String("storage-dsn", "", "audit log file path or postgres DSN")

	root.AddCommand(
		newServeCmd(a),
		newEnrichCmd(a),
		newResolveCmd(a),
		newDiscoverCmd(a),
		newReportCmd(a),
	)
	return root
}

// setup binds cmd's flags over the config layers, loads the config and
// installs the process logger.
func (a *app) setup(cmd *cobra.Command, bindings map[string]string) error {
	for _, set := range []map[string]string{globalFlags, bindings} {
		for key, name := range set {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				return fmt.Errorf("flag %q is not defined on %s", name, cmd.Name())
			}
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(a.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}
