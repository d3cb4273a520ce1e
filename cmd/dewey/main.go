// Command dewey maintains and queries an embedding index over a local
// plaintext corpus.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JTan2231/dewey"
)

// EnvHome locates the persisted index files.
const EnvHome = "DEWEY_HOME"

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var (
		verbose  bool
		exitCode = exitOK
	)

	root := &cobra.Command{
		Use:           "dewey",
		Short:         "Embedding index for local plaintext corpora",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	logger := func() *dewey.Logger {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return dewey.NewTextLogger(level)
	}

	open := func() (*dewey.Dewey, error) {
		return dewey.Open(homeDir(), func(o *dewey.Options) {
			o.Logger = logger()
		})
	}

	reindexCmd := &cobra.Command{
		Use:   "reindex <root>",
		Short: "Walk a corpus root and index every non-ignored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := open()
			if err != nil {
				return err
			}
			defer idx.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := idx.Reindex(ctx, args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "committed %d chunks\n", res.ChunksCommitted)
			if err != nil {
				if res.ChunksCommitted > 0 {
					exitCode = exitPartial
					if res.FirstUnprocessed != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "first unprocessed chunk: %s:%d\n",
							res.FirstUnprocessed.Path, res.FirstUnprocessed.Start)
					}
				}
				return err
			}
			return nil
		},
	}

	var (
		queryText string
		queryFile string
		queryTags []string
		queryK    int
	)
	queryCmd := &cobra.Command{
		Use:   "query (--text TEXT | --file PATH) [--tag T]... [-k N]",
		Short: "Find the chunks nearest to a text or an indexed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (queryText == "") == (queryFile == "") {
				return errors.New("exactly one of --text or --file is required")
			}

			idx, err := open()
			if err != nil {
				return err
			}
			defer idx.Close()

			var results []dewey.Result
			if queryText != "" {
				results, err = idx.Query(cmd.Context(), queryText, queryTags, queryK)
			} else {
				results, err = idx.QueryByFile(cmd.Context(), queryFile, queryTags, queryK)
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\t%g\n", r.Path, r.Start, r.End, r.Score)
			}
			return nil
		},
	}
	queryCmd.Flags().StringVar(&queryText, "text", "", "query text")
	queryCmd.Flags().StringVar(&queryFile, "file", "", "query with an indexed file's average vector")
	queryCmd.Flags().StringArrayVar(&queryTags, "tag", nil, "restrict results to blocks carrying any of these tags")
	queryCmd.Flags().IntVarP(&queryK, "k", "k", 10, "number of results")

	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Index a single file, superseding its previous chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := open()
			if err != nil {
				return err
			}
			defer idx.Close()

			n, err := idx.AddFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed %d chunks\n", n)
			return nil
		},
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Persist the index atomically and compact the source log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := open()
			if err != nil {
				return err
			}
			defer idx.Close()
			return idx.Snapshot()
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := open()
			if err != nil {
				return err
			}
			defer idx.Close()

			s := idx.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "blocks\t%d\n", s.Blocks)
			fmt.Fprintf(out, "live\t%d\n", s.Live)
			fmt.Fprintf(out, "max level\t%d\n", s.Graph.MaxLevel)
			for layer, edges := range s.Graph.EdgesPerLayer {
				fmt.Fprintf(out, "layer %d edges\t%d\n", layer, edges)
			}
			fmt.Fprintf(out, "cache hits\t%d\n", s.CacheHits)
			fmt.Fprintf(out, "cache misses\t%d\n", s.CacheMisses)
			return nil
		},
	}

	root.AddCommand(reindexCmd, queryCmd, addCmd, snapshotCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dewey:", err)
		if exitCode == exitOK {
			exitCode = exitFatal
		}
	}
	os.Exit(exitCode)
}

func homeDir() string {
	if home := os.Getenv(EnvHome); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".dewey"
	}
	return filepath.Join(userHome, ".dewey")
}
