package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"demoserve/internal/ports"
)

func newPortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "port",
		Short: "Print the first free port in [--port, --port+--port-window)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := ports.Find(a.cfg.Host, a.cfg.Port, a.cfg.Port+a.cfg.PortWindow)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, p)
			return nil
		},
	}
}
