package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/pinpoint/internal/report"
	"github.com/FranksOps/pinpoint/internal/storage"
	"github.com/spf13/cobra"
)

type reportFlags struct {
	entry  string
	status string
	since  time.Duration
	limit  int
	format string
}

func newReportCmd(a *app) *cobra.Command {
	var rf reportFlags
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Summarise the resolution audit log",
		Example: `  pinpoint report --storage sqlite --storage-dsn pinpoint.db --since 24h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd, nil); err != nil {
				return err
			}
			return a.report(cmd.Context(), rf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&rf.entry, "entry", "", "only interactive, discovery or enrich records")
	f.StringVar(&rf.status, "status", "", "only records with this status")
	f.DurationVar(&rf.since, "since", 0, "only records newer than this, e.g. 24h")
	f.IntVar(&rf.limit, "limit", 0, "summarise at most this many of the newest records")
	f.StringVar(&rf.format, "format", "text", "output format: text or json")
	return cmd
}

var errNoStore = errors.New("report needs an audit log: set --storage and --storage-dsn")

func (a *app) report(ctx context.Context, rf reportFlags) error {
	if rf.format != "text" && rf.format != "json" {
		return fmt.Errorf("unknown format %q", rf.format)
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoStore
	}
	defer store.Close()

	filter := storage.Filter{Entry: rf.entry, Status: rf.status, Limit: rf.limit}
	if rf.since > 0 {
		since := time.Now().Add(-rf.since).UTC()
		filter.Since = &since
	}
	records, err := store.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}

	summary := report.GenerateSummary(records)
	if rf.format == "json" {
		return report.WriteJSON(a.stdout, summary)
	}
	return report.WriteText(a.stdout, summary)
}
