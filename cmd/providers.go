package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/partd-geo/pkg/geocode"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List geocoder kinds and the configured provider chain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		fmt.Fprintf(os.Stdout, "Available kinds: %s\n\n", strings.Join(geocode.NewRegistry().Kinds(), ", "))

		usage := make(map[string]int)
		if withUsage, _ := cmd.Flags().GetBool("usage"); withUsage {
			st, _, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			today := time.Now().UTC()
			for _, p := range cfg.Geocode.Providers {
				pc := p.WithDefaults()
				n, err := st.ProviderUsage(ctx, pc.Name, today)
				if err != nil {
					return eris.Wrap(err, "providers: usage")
				}
				usage[pc.Name] = n
			}
		}

		formatProviders(os.Stdout, cfg.Geocode.Providers, usage)
		return nil
	},
}

func init() {
	providersCmd.Flags().Bool("usage", false, "include today's usage from the store")
	rootCmd.AddCommand(providersCmd)
}

func formatProviders(out io.Writer, providers []geocode.ProviderConfig, usage map[string]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tKIND\tFIELDS\tRPS\tDAILY CAP\tUSED TODAY\tBATCH\tSTATUS")
	for i, p := range providers {
		pc := p.WithDefaults()
		capStr := "-"
		if pc.DailyCap > 0 {
			capStr = fmt.Sprintf("%d", pc.DailyCap)
		}
		used := "-"
		if n, ok := usage[pc.Name]; ok {
			used = fmt.Sprintf("%d", n)
		}
		status := "enabled"
		if pc.Disabled {
			status = "disabled"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%g\t%s\t%s\t%d\t%s\n",
			i+1, pc.Name, pc.Kind, pc.Fields, pc.RPS, capStr, used, pc.BatchSize, status)
	}
	_ = w.Flush()
}
