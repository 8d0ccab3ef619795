package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tarifas-co/tarifas-cli/internal/extract"
	"github.com/tarifas-co/tarifas-cli/internal/ocr"
)

var extractNoOCR bool

var extractCmd = &cobra.Command{
	Use:   "extract <pdf>",
	Short: "Extract the text of a PDF, with OCR fallback, into <name>_text.txt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec extract.Recognizer
		if !extractNoOCR {
			r, err := ocr.NewRecognizer(cfg.OCR)
			if err != nil {
				return err
			}
			rec = ocr.NewEngine(r)
		}

		ex, err := extract.NewFromConfig(cfg.Extract, rec)
		if err != nil {
			return err
		}

		res, err := ex.Extract(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pages:          %d\n", res.Pages)
		fmt.Fprintf(out, "ocr:            %t\n", res.UsedOCR)
		fmt.Fprintf(out, "images scanned: %d\n", res.ImagesScanned)
		fmt.Fprintf(out, "images skipped: %d\n", res.ImagesSkipped)
		fmt.Fprintf(out, "characters:     %d\n", len([]rune(res.FullText)))
		for _, a := range res.Alerts {
			fmt.Fprintf(out, "alert:          %s mentioned\n", a)
		}
		fmt.Fprintf(out, "text:           %s\n", res.SidecarPath)
		return nil
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractNoOCR, "no-ocr", false, "never fall back to OCR")
	rootCmd.AddCommand(extractCmd)
}
