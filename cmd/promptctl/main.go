// Command promptctl drives the promptgate client core from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&runtime{})
}

func buildRootCmd(rt *runtime) *cobra.Command {
	root := &cobra.Command{
		Use:           "promptctl",
		Short:         "promptctl - subscription-gated prompt generator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.open(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			rt.close()
		},
	}
	root.PersistentFlags().StringVar(&rt.apiURL, "api", "", "API base URL (overrides PROMPTCTL_API_URL)")

	root.AddCommand(
		signupCmd(rt),
		loginCmd(rt),
		loginOAuthCmd(rt),
		callbackCmd(rt),
		logoutCmd(rt),
		statusCmd(rt),
		generateCmd(rt),
		checkoutCmd(rt),
		returnCmd(rt),
	)
	return root
}
