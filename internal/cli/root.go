package cli

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Semantic memory engine with decay and consolidation",
	Long: "Mnemo stores memories and knowledge in SQLite, retrieves them with\n" +
		"hybrid keyword+vector search, forgets gracefully via time decay, and\n" +
		"consolidates near-duplicates with a full audit trail.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(statsCmd)
}
