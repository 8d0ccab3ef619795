package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tarifas-co/tarifas-cli/internal/model"
	"github.com/tarifas-co/tarifas-cli/internal/resilience"
)

var (
	batchRetailer string
	batchOut      string
	batchFailures string
	batchLimit    int
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Process every PDF, CSV and XLSX document in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, _, err := initPipeline("process", batchOut)
		if err != nil {
			return err
		}

		docs, err := listDocuments(args[0])
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(docs) > batchLimit {
			docs = docs[:batchLimit]
		}

		failures := processBatch(ctx, docs, batchRetailer, cfg.Batch.Concurrency, p.Process)
		if len(failures) == 0 {
			return nil
		}

		path := batchFailures
		if path == "" {
			path = filepath.Join(args[0], "failures.json")
		}
		if err := resilience.WriteFailures(path, failures); err != nil {
			return err
		}
		return eris.Errorf("batch: %d of %d documents failed, see %s", len(failures), len(docs), path)
	},
}

func init() {
	batchCmd.Flags().StringVarP(&batchRetailer, "retailer", "r", "", "retailer id for every document (required)")
	batchCmd.Flags().StringVarP(&batchOut, "out", "o", "", "output directory (default <dir>/output)")
	batchCmd.Flags().StringVar(&batchFailures, "failures", "", "where to write failed documents (default <dir>/failures.json)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	_ = batchCmd.MarkFlagRequired("retailer")
	rootCmd.AddCommand(batchCmd)
}

// listDocuments returns the processable files directly under dir, sorted.
// Text sidecars and previous outputs are ignored.
func listDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read %s", dir)
	}
	var docs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if strings.HasSuffix(base, "_procesado") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".pdf", ".csv", ".xlsx":
			docs = append(docs, filepath.Join(dir, name))
		}
	}
	sort.Strings(docs)
	return docs, nil
}

// processFunc is the callback signature for running one document.
type processFunc func(ctx context.Context, path, retailer string) (*model.RunResult, error)

// processBatch runs every document with at most concurrency in flight and
// returns a record for each failure. One failure never stops the batch.
func processBatch(ctx context.Context, docs []string, retailer string, concurrency int, process processFunc) []resilience.FailureRecord {
	if len(docs) == 0 {
		zap.L().Info("no documents found")
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("documents", len(docs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var (
		succeeded atomic.Int64
		mu        sync.Mutex
		failures  []resilience.FailureRecord
	)

	for _, doc := range docs {
		g.Go(func() error {
			log := zap.L().With(zap.String("document", doc))

			result, err := process(gctx, doc, retailer)
			if err != nil {
				stage := ""
				if result != nil && len(result.Stages) > 0 {
					stage = string(result.Stages[len(result.Stages)-1].Name)
				}
				log.Error("document failed", zap.String("stage", stage), zap.Error(err))
				mu.Lock()
				failures = append(failures, resilience.NewFailureRecord(doc, retailer, stage, err))
				mu.Unlock()
				return nil // don't abort batch on individual failure
			}

			succeeded.Add(1)
			log.Info("document complete",
				zap.String("csv", result.CSVPath),
				zap.String("json", result.JSONPath),
				zap.Int("attempts", result.Attempts),
			)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Source < failures[j].Source })

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int("failed", len(failures)),
	)
	return failures
}
