package main

import (
	"context"
	"fmt"

	"github.com/FranksOps/pinpoint/internal/pipeline"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/report"
	"github.com/spf13/cobra"
)

type lookupFlags struct {
	product query.Product
	json    bool
}

func (l *lookupFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&l.product.Brand, "brand", "", "brand name")
	f.StringVar(&l.product.Name, "product", "", "product name")
	f.StringVar(&l.product.Ingredient, "ingredient", "", "main ingredient")
	f.Float64Var(&l.product.Amount, "amount", 0, "dose amount, e.g. 500")
	f.StringVar(&l.product.Unit, "unit", "", "dose unit, e.g. mg")
	f.StringVar(&l.product.Locale, "locale", "", "locale, e.g. en-CA")
	f.BoolVar(&l.json, "json", false, "print the full report as JSON")
}

func newResolveCmd(a *app) *cobra.Command {
	var l lookupFlags
	cmd := &cobra.Command{
		Use:     "resolve",
		Short:   "Look up one product through web search",
		Example: `  pinpoint resolve --brand Jamieson --product "Vitamin D3" --amount 1000 --unit IU`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd, nil); err != nil {
				return err
			}
			return a.lookup(cmd.Context(), pipeline.Interactive, l)
		},
	}
	l.register(cmd)
	return cmd
}

func newDiscoverCmd(a *app) *cobra.Command {
	var l lookupFlags
	cmd := &cobra.Command{
		Use:     "discover",
		Short:   "Look up one product on the manufacturer's own site",
		Example: `  pinpoint discover --brand Jamieson --product "Vitamin D3" --locale en-CA`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd, nil); err != nil {
				return err
			}
			return a.lookup(cmd.Context(), pipeline.Discovery, l)
		},
	}
	l.register(cmd)
	return cmd
}

func (a *app) lookup(ctx context.Context, plan pipeline.Plan, l lookupFlags) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	defer c.Close()

	rep, err := c.pipeline.Run(ctx, plan, l.product)
	if err != nil {
		return err
	}
	if l.json {
		return report.WriteJSON(a.stdout, rep)
	}

	switch o := rep.Outcome.(type) {
	case pipeline.Resolved:
		tag := string(o.Source)
		if rep.Fallback {
			tag += " (fallback)"
		}
		_, err = fmt.Fprintf(a.stdout, "%s\t%s\n", o.URL, tag)
	case pipeline.Unresolved:
		_, err = fmt.Fprintf(a.stdout, "unresolved\t%s\n", o.Reason)
	}
	return err
}
