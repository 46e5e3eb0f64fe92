package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "memloom",
		Short: "memloom: knowledge-graph memory for conversational agents",
		Long: `memloom maintains a persistent knowledge graph of facts learned from
conversation. It extracts entities and relations from interaction turns,
reconciles them against what it already believes, and serves the result
back as query answers, context blocks, probes, and conversation starters.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML; MEMLOOM_* env vars override)")
}
