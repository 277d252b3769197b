// Command shardhist is a thin CLI wiring config, the fasthttp-based
// message.Source, and shard.Coordinator together. It exists to exercise the
// core engine end to end, not to define the archive format — see
// SPEC_FULL.md's Non-goals.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ais-export/shardhist/cmd/shardhist/httpsource"
	"github.com/ais-export/shardhist/internal/config"
	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/nlog"
	"github.com/ais-export/shardhist/shard"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		nlog.Errorf("shardhist: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baseURL     string
		tokenSecret string
		exportRoot  string
		outPath     string
		shardCount  int
		chunkSize   int
		verbosity   int
		limit       int64
		minID       int64
	)

	cmd := &cobra.Command{
		Use:   "shardhist <entity>",
		Short: "export a remote message history into a local newline-delimited JSON archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nlog.SetVerbosity(verbosity)

			cfg := config.Default()
			cfg.ExportRoot = exportRoot
			cfg.ShardCount = shardCount
			cfg.ShardChunkSize = chunkSize
			if err := cfg.Validate(); err != nil {
				return err
			}

			src := httpsource.New(baseURL, tokenSecret)
			sink, err := newNDJSONSink(outPath)
			if err != nil {
				return err
			}
			defer sink.Close()

			coord := &shard.Coordinator{
				Source: src,
				Cfg:    cfg,
				Process: func(_ context.Context, msg message.Message) (message.Message, error) {
					return msg, nil
				},
				Write: sink.Write,
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 6*time.Hour)
			defer cancel()

			start := time.Now()
			res, err := coord.Export(ctx, args[0], shard.ExportOptions{Limit: limit, MinID: minID})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exported %d messages in %s (%d errors)\n", res.Processed, time.Since(start).Round(time.Second), res.Errors)
			for _, rec := range res.Recommendations {
				fmt.Fprintln(cmd.OutOrStdout(), "note:", rec)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "base URL of the remote history API")
	cmd.Flags().StringVar(&tokenSecret, "token-secret", "", "secret used to derive the bulk-export token signing key")
	cmd.Flags().StringVar(&exportRoot, "export-root", ".", "directory holding the hot-zones DB and temp spill files")
	cmd.Flags().StringVar(&outPath, "out", "history.ndjson", "output file for the newline-delimited JSON archive")
	cmd.Flags().IntVar(&shardCount, "shard-count", config.Default().ShardCount, "number of parallel worker connections")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", config.Default().ShardChunkSize, "default chunk width before hot-zone/density adjustment")
	cmd.Flags().IntVar(&verbosity, "v", 0, "log verbosity")
	cmd.Flags().Int64Var(&limit, "limit", 0, "if >0, only export the most recent N messages")
	cmd.Flags().Int64Var(&minID, "min-id", 0, "never fetch below this message id (resume a prior export)")

	return cmd
}
