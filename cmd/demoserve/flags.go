package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"demoserve/internal/flaglog"
)

func newFlagsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List the records in the flag log of --dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := a.cfg.FlagDir
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(a.cfg.ServeDir, filepath.FromSlash(dir))
			}
			recs, err := flaglog.Read(filepath.Join(dir, a.cfg.FlagFile))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				for _, r := range recs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tMESSAGE\tINPUT\tOUTPUT")
			for n, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", n+1, r.Message, short(r.Input), short(r.Output))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON record per line")
	return cmd
}

// short renders a flagged value on one line of bounded width.
func short(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if s := string(b); len(s) <= 40 {
		return s
	}
	return string(b[:37]) + "..."
}
