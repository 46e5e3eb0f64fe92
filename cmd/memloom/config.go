package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/memloom/memloom/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration memloom would run with, after merging the
config file, MEMLOOM_* environment variables, and defaults. Secrets are
redacted.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	redact(cfg)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func redact(cfg *config.Config) {
	const masked = "********"
	if cfg.Storage.Password != "" {
		cfg.Storage.Password = masked
	}
	if cfg.LLM.Small.APIKey != "" {
		cfg.LLM.Small.APIKey = masked
	}
	if cfg.LLM.Large.APIKey != "" {
		cfg.LLM.Large.APIKey = masked
	}
}
