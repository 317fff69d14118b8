package main

import (
	"context"
	"time"

	"github.com/FranksOps/pinpoint/internal/api"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the resolve and discover HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd, map[string]string{
				"server.addr":        "addr",
				"server.cors_origin": "cors-origin",
			}); err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("cors-origin", "", "Access-Control-Allow-Origin value; empty disables CORS")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
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

	sc := a.cfg.Server
	srv := api.NewServer(api.Config{
		Addr:           sc.Addr,
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		RequestTimeout: sc.RequestTimeout,
		CORSOrigin:     sc.CORSOrigin,
	}, c.pipeline, a.logger, api.WithStore(store))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
