package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "discount-research",
		Short: "Brand discount policy researcher",
		Long: `discount-research takes a list of brands, looks for public evidence of each
brand's US discount policy through web search, and writes a results table
with one row per brand in upload order.

Without search credentials every brand is still researched from brand-name
heuristics and reported as INFERRED.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
