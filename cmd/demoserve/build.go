package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Render the site into --dir without serving it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			i, err := a.loadInterface()
			if err != nil {
				return err
			}
			if _, err := a.buildSite(i); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Built %s/%s site in %s\n", i.Input.Name(), i.Output.Name(), a.cfg.ServeDir)
			return nil
		},
	}
}
