package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FranksOps/pinpoint/internal/dataset"
	"github.com/FranksOps/pinpoint/internal/enrich"
	"github.com/FranksOps/pinpoint/internal/metrics"
	"github.com/FranksOps/pinpoint/internal/report"
	"github.com/spf13/cobra"
)

func newEnrichCmd(a *app) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Fill canonical product URLs across a catalogue file",
		Example: `  pinpoint enrich --in catalogue.csv --out enriched.csv
  pinpoint enrich --in catalogue.csv --out enriched.csv --only-missing --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd, map[string]string{
				"enrich.concurrency":  "concurrency",
				"enrich.only_missing": "only-missing",
				"enrich.limit":        "limit",
				"enrich.locale":       "locale",
				"metrics_port":        "metrics-port",
			}); err != nil {
				return err
			}
			return a.enrich(cmd.Context(), in, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in, "in", "", "input catalogue (csv, tsv or semicolon-delimited)")
	f.StringVar(&out, "out", "", "output file; every input row is written")
	f.Int("concurrency", enrich.DefaultOptions.Concurrency, "rows processed in parallel")
	f.Bool("only-missing", false, "skip rows that already have canonical_product_url")
	f.Int("limit", 0, "process at most this many target rows; 0 means all")
	f.String("locale", "", "locale biasing brand hosts and retailers, e.g. en-CA")
	f.Int("metrics-port", 0, "serve /metrics on this port during the run; 0 disables")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) enrich(ctx context.Context, in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	tbl, err := dataset.Read(f)
	f.Close()
	if err != nil {
		return err
	}

	c, err := a.build()
	if err != nil {
		return err
	}
	defer c.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	if port := a.cfg.MetricsPort; port > 0 {
		srv := metrics.Start(fmt.Sprintf(":%d", port), a.logger)
		defer srv.Stop(context.WithoutCancel(ctx))
	}

	runner := enrich.New(c.search, c.validator, a.cfg.Enrich, a.logger,
		enrich.WithDomains(a.cfg.Resolver()),
		enrich.WithScorer(a.cfg.Scorer()),
		enrich.WithStore(store),
	)
	stats, runErr := runner.Run(ctx, tbl)

	// The output is written even after an interrupt; untouched rows are
	// copied as read.
	if err := writeAtomic(out, tbl); err != nil {
		return errors.Join(runErr, err)
	}
	if err := report.WriteStats(a.stdout, stats); err != nil {
		return err
	}
	return runErr
}

// writeAtomic writes tbl to a temporary sibling of path and renames it.
func writeAtomic(path string, tbl *dataset.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pinpoint-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tbl.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
