package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lenslate",
	Short: "Translate and transcribe text in images from chat",
	Long: "lenslate relays images from chat platforms to a generative AI model and replies " +
		"with an English or Russian translation or a transcription of the text they contain.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
