// Package main implements the recalld CLI for storing and searching
// reflections.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/recall"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/write"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Memory recall engine for coding assistants",
	Long: `recalld stores short text reflections with vector embeddings and
retrieves the most relevant ones for a query through a tiered search
pipeline with caching and near-duplicate rejection.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: built-in defaults)")
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reclusterCmd)
	rootCmd.AddCommand(statsCmd)
}

var (
	storeProject string
	storeTags    []string
)

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a reflection",
	Long: `Store a reflection, rejecting near-duplicate content.

Examples:
  recalld store --project myapp --tag db "Use async context managers for DB connections"
  echo "content" | recalld store --project myapp -`,
	Args: cobra.ExactArgs(1),
	RunE: runStore,
}

var (
	searchProject  string
	searchTags     []string
	searchLimit    int
	searchMinScore float64
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search stored reflections",
	Long: `Search reflections through the progressive tier pipeline.

Examples:
  recalld search --project myapp "database connection pattern"
  recalld search --project myapp --limit 5 --min-score 0.4 "error handling"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var reclusterCmd = &cobra.Command{
	Use:   "recluster",
	Short: "Run one category recluster batch",
	RunE:  runRecluster,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show query cache statistics",
	RunE:  runStats,
}

func init() {
	storeCmd.Flags().StringVar(&storeProject, "project", "", "project partition key (required)")
	storeCmd.Flags().StringSliceVar(&storeTags, "tag", nil, "tag to attach (repeatable)")
	_ = storeCmd.MarkFlagRequired("project")

	searchCmd.Flags().StringVar(&searchProject, "project", "", "project partition key")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "filter results by tag (repeatable)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (0 = configured default)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this")
}

// withService loads config, builds the pipeline, runs fn and tears
// everything down.
func withService(fn func(ctx context.Context, svc *recall.Service) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logging.Sync(logger)

	svc, err := recall.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return fn(ctx, svc)
}

// readContent resolves the content argument, reading stdin for "-".
func readContent(arg string, in io.Reader) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func runStore(cmd *cobra.Command, args []string) error {
	content, err := readContent(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *recall.Service) error {
		res, err := svc.Store(ctx, content, write.Metadata{
			Project: storeProject,
			Tags:    storeTags,
		})
		if err != nil {
			return err
		}
		if res.Deduplicated {
			fmt.Printf("duplicate of %s (similarity %.2f)\n", res.ReflectionID, res.Similarity)
			return nil
		}
		fmt.Println(res.ReflectionID)
		if res.Degraded {
			fmt.Fprintln(os.Stderr, "warning: stored without embedding, lexical search only")
		}
		return nil
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *recall.Service) error {
		res, err := svc.Search(ctx, args[0], search.Options{
			Project:  searchProject,
			Tags:     searchTags,
			Limit:    searchLimit,
			MinScore: searchMinScore,
		})
		if err != nil {
			return err
		}

		if len(res.Results) == 0 {
			fmt.Println("no results")
		}
		for _, r := range res.Results {
			content := r.Reflection.Content
			if len(content) > 120 {
				content = content[:117] + "..."
			}
			line := fmt.Sprintf("%.3f  %s  %s", r.Score, r.Reflection.ID, content)
			if len(r.Reflection.Tags) > 0 {
				line += "  [" + strings.Join(r.Reflection.Tags, ",") + "]"
			}
			fmt.Println(line)
		}
		if res.Degraded {
			fmt.Fprintln(os.Stderr, "warning: degraded results, embedding path unavailable")
		}
		return nil
	})
}

func runRecluster(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *recall.Service) error {
		report := svc.TriggerRecluster()
		return printJSON(report)
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *recall.Service) error {
		return printJSON(svc.Stats(ctx))
	})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
