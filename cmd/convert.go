package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tarifas-co/tarifas-cli/internal/convert"
	"github.com/tarifas-co/tarifas-cli/internal/lookup"
)

var convertXLSX bool

var convertCmd = &cobra.Command{
	Use:   "convert <csv>...",
	Short: "Convert validated tariff CSV files to JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("convert"); err != nil {
			return err
		}
		return runConvert(cmd, args, convertXLSX)
	},
}

func runConvert(cmd *cobra.Command, paths []string, xlsx bool) error {
	c, err := convert.New(lookup.New())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, path := range paths {
		jsonPath, err := c.Convert(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s -> %s\n", path, jsonPath)

		if !xlsx {
			continue
		}
		rows, err := convert.ReadFile(path)
		if err != nil {
			return err
		}
		xlsxPath := convert.XLSXPath(path)
		if err := convert.ExportXLSX(rows, xlsxPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s -> %s\n", path, xlsxPath)
	}
	return nil
}

func init() {
	convertCmd.Flags().BoolVar(&convertXLSX, "xlsx", false, "also write an .xlsx workbook next to each CSV")
	rootCmd.AddCommand(convertCmd)
}
