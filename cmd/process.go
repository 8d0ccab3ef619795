package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	processRetailer string
	processOut      string
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Process one PDF, CSV or XLSX tariff document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, _, err := initPipeline("process", processOut)
		if err != nil {
			return err
		}

		result, err := p.Process(ctx, args[0], processRetailer)
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			zap.L().Warn("print result", zap.Error(perr))
		}
		if err != nil {
			return eris.Wrap(err, "process")
		}
		return nil
	},
}

func init() {
	processCmd.Flags().StringVarP(&processRetailer, "retailer", "r", "", "retailer id, e.g. VATIA (required)")
	processCmd.Flags().StringVarP(&processOut, "out", "o", "", "output directory (default <source dir>/output)")
	_ = processCmd.MarkFlagRequired("retailer")
	rootCmd.AddCommand(processCmd)
}
