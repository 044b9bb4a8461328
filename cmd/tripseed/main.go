package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "tripseed",
	Short:         "Ask a language model travel questions and keep the answers as JSON",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_, envNoColor := os.LookupEnv("NO_COLOR")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", envNoColor, "disable colored output")
	rootCmd.SetVersionTemplate(fmt.Sprintf("tripseed version %s\n", version))

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(placesCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
