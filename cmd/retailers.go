package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tarifas-co/tarifas-cli/internal/lookup"
	"github.com/tarifas-co/tarifas-cli/internal/retailer"
)

var retailersCmd = &cobra.Command{
	Use:   "retailers",
	Short: "List supported retailers and whether their instructions are present",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := retailer.Load(cfg.Retailers)
		if err != nil {
			return err
		}
		return printRetailers(cmd.OutOrStdout(), reg)
	},
}

func printRetailers(w io.Writer, reg *retailer.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tINSTRUCTIONS\tSTATUS")
	for _, rt := range reg.List() {
		status := "ok"
		if _, err := os.Stat(rt.InstructionsFile); err != nil {
			status = "missing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rt.ID, rt.Name, rt.InstructionsFile, status)
	}
	return tw.Flush()
}

var lookupCmd = &cobra.Command{
	Use:       "lookup [markets|tensions|operators]",
	Short:     "Print the market, tension level and operator id tables",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"markets", "tensions", "operators"},
	RunE: func(cmd *cobra.Command, args []string) error {
		which := ""
		if len(args) == 1 {
			which = args[0]
		}
		return printLookup(cmd.OutOrStdout(), lookup.New(), which)
	},
}

func printLookup(w io.Writer, t *lookup.Tables, which string) error {
	tables := []struct {
		name    string
		entries []lookup.Entry
	}{
		{"markets", t.Markets()},
		{"tensions", t.Tensions()},
		{"operators", t.Operators()},
	}

	found := false
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, tbl := range tables {
		if which != "" && which != tbl.name {
			continue
		}
		found = true
		fmt.Fprintf(tw, "# %s\n", tbl.name)
		for _, e := range tbl.entries {
			fmt.Fprintf(tw, "%d\t%s\n", e.ID, e.Name)
		}
	}
	if !found {
		return eris.Errorf("lookup: unknown table %q (use markets, tensions or operators)", which)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(retailersCmd)
	rootCmd.AddCommand(lookupCmd)
}
