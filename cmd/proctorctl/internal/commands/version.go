package commands

import (
	"github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/version"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show proctorctl version information",
		Long:  "Displays the version, git commit SHA, and build time of proctorctl",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Info())
		},
	}
}
