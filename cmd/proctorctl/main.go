package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/commands"
	clierrors "github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/errors"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "proctorctl",
		Short: "Operator CLI for zen-proctor agents and hubs",
		Long: `proctorctl checks URLs and processes against the blocklist, validates agent
and hub configuration, runs agent preflight diagnostics and inspects live hub sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var output string
	var blocklist string

	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&blocklist, "blocklist", "", "Blocklist file (default: built-in list)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cmd.SetContext(commands.WithOptions(cmd.Context(), commands.Options{
			Output:    output,
			Blocklist: blocklist,
		}))
	}

	rootCmd.AddCommand(commands.NewCheckURLCommand())
	rootCmd.AddCommand(commands.NewCheckProcessCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewDoctorCommand())
	rootCmd.AddCommand(commands.NewSessionsCommand())
	rootCmd.AddCommand(commands.NewAlertsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
	rootCmd.AddCommand(commands.NewCompletionCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exitErr *clierrors.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(clierrors.ExitFailure)
	}
}
