// Package commands implements the lemonade CLI: the gateway server commands
// (serve, run) and the client commands that talk to a running gateway.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the CLI command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:          "lemonade",
		Short:        "Local inference gateway with an OpenAI-compatible API",
		SilenceUsage: true,
		Version:      version,
	}
	root.AddCommand(
		newServeCmd(version),
		newRunCmd(version),
		newPullCmd(),
		newListCmd(),
		newDeleteCmd(),
		newStatusCmd(),
		newStopCmd(),
		newRecipesCmd(),
		newVersionCmd(version),
	)
	return root
}
