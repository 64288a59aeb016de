package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orrn/labelspool/internal/bridge"
)

func newPrintersCommand(load loader) *cobra.Command {
	var withStatus bool

	cmd := &cobra.Command{
		Use:   "printers",
		Short: "List the printers the bridge can reach",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := bridge.New(cfg.Bridge, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bridge.ConnectionTimeout*2)
			defer cancel()
			return listPrinters(ctx, cmd, client, withStatus)
		},
	}
	cmd.Flags().BoolVarP(&withStatus, "status", "s", false, "query each printer's host status")
	return cmd
}

func listPrinters(ctx context.Context, cmd *cobra.Command, client bridge.Client, withStatus bool) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}
	names, err := client.ListPrinters(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	if !withStatus {
		for _, name := range names {
			fmt.Fprintln(w, name)
		}
		return nil
	}

	fmt.Fprintln(w, "NAME\tSTATE\tPROBLEM")
	for _, name := range names {
		status, err := client.Status(ctx, name)
		if err != nil {
			fmt.Fprintf(w, "%s\tunknown\t%v\n", name, err)
			continue
		}
		problem := "-"
		if err := status.Err(); err != nil {
			problem = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, status.State(), problem)
	}
	return nil
}
