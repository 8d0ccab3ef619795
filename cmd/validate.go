package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tarifas-co/tarifas-cli/internal/convert"
	"github.com/tarifas-co/tarifas-cli/internal/fetcher"
	"github.com/tarifas-co/tarifas-cli/internal/tabular"
)

var validateCmd = &cobra.Command{
	Use:   "validate <csv>...",
	Short: "Check tariff CSV files against the column contract",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			if err := validateFile(cmd.OutOrStdout(), path); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
				failed++
			}
		}
		if failed > 0 {
			return eris.Errorf("validate: %d of %d files failed validation", failed, len(args))
		}
		return nil
	},
}

// validateFile runs the contract check and the numeric parse on one file and
// reports COT inconsistencies as warnings.
func validateFile(w io.Writer, path string) error {
	text, err := fetcher.ReadCSVText(path)
	if err != nil {
		return err
	}
	if err := tabular.Validate(text); err != nil {
		return err
	}
	rows, err := convert.ParseRows([]byte(text))
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "OK   %s: %d rows\n", path, len(rows))
	for _, m := range convert.CheckCOT(rows, convert.DefaultCOTTolerance) {
		fmt.Fprintf(w, "WARN %s line %d: COT %.4f but CU + COT - CU = %.4f\n", path, m.Row, m.COT, m.Derived)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
