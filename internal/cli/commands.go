package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/engine"
)

// withEngine loads config, opens the store, and hands a ready engine to fn.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := engine.New(db, cfg, logger)
	if emb := buildEmbedder(cfg, logger); emb != nil {
		eng.SetEmbedder(emb)
	}
	return fn(context.Background(), eng)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	rememberCategory   string
	rememberTags       string
	rememberImportance float64
)

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			var importance *float64
			if cmd.Flags().Changed("importance") {
				importance = &rememberImportance
			}
			rec, err := eng.Remember(ctx, engine.RememberInput{
				Content:    args[0],
				Category:   rememberCategory,
				Tags:       splitTags(rememberTags),
				Importance: importance,
			})
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	},
}

var (
	recallCategory string
	recallTags     string
	recallLimit    int
	recallDeep     bool
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if recallDeep {
				result, err := eng.DeepRecall(ctx, args[0], recallLimit)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			results, err := eng.Recall(ctx, args[0], engine.RecallOpts{
				Category: recallCategory,
				Tags:     splitTags(recallTags),
				Limit:    recallLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(results)
		})
	},
}

var (
	consolidateThreshold float64
	consolidateLimit     int
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Inspect consolidation candidates and history",
}

var consolidateClustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Find groups of similar memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			clusters, err := eng.FindClusters(ctx, engine.ClusterOpts{Threshold: consolidateThreshold, Limit: consolidateLimit})
			if err != nil {
				return err
			}
			if len(clusters) == 0 {
				fmt.Println("no clusters found")
				return nil
			}
			return printJSON(clusters)
		})
	},
}

var consolidateDuplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Find near-identical memory pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			pairs, err := eng.FindDuplicates(ctx, engine.ClusterOpts{Threshold: consolidateThreshold, Limit: consolidateLimit})
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				fmt.Println("no duplicates found")
				return nil
			}
			return printJSON(pairs)
		})
	},
}

var consolidateStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show consolidation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			stats, err := eng.GetConsolidationStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store-wide record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			stats, err := eng.GetStats()
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func init() {
	rememberCmd.Flags().StringVar(&rememberCategory, "category", "", "memory category")
	rememberCmd.Flags().StringVar(&rememberTags, "tags", "", "comma-separated tags")
	rememberCmd.Flags().Float64Var(&rememberImportance, "importance", 0.5, "importance in [0,1]")

	recallCmd.Flags().StringVar(&recallCategory, "category", "", "filter by category")
	recallCmd.Flags().StringVar(&recallTags, "tags", "", "require comma-separated tags")
	recallCmd.Flags().IntVar(&recallLimit, "limit", 0, "max results")
	recallCmd.Flags().BoolVar(&recallDeep, "deep", false, "search knowledge and the entity graph too")

	consolidateCmd.PersistentFlags().Float64Var(&consolidateThreshold, "threshold", 0, "similarity threshold override")
	consolidateCmd.PersistentFlags().IntVar(&consolidateLimit, "limit", 0, "max clusters or pairs returned")
	consolidateCmd.AddCommand(consolidateClustersCmd)
	consolidateCmd.AddCommand(consolidateDuplicatesCmd)
	consolidateCmd.AddCommand(consolidateStatsCmd)
}
