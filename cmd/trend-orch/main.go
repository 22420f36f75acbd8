package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "trend-orch",
		Short: "Trend Orchestrator - news to content pipeline",
		Long: `Trend Orchestrator researches current news for a query, evaluates its
socio-economic impact, and turns it into a blog article, a social post and
optionally a narrated video. Every generated text passes a tone guardrail.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
