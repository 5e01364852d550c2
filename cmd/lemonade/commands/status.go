package commands

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	flags := &clientFlags{}
	c := &cobra.Command{
		Use:   "status",
		Short: "Check whether the gateway is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := flags.client().Health(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "gateway is not running")
			}
			cmd.Printf("Gateway %s is running\n", report.Version)
			if len(report.ModelLoaded) > 0 {
				cmd.Printf("Loaded models: %s\n", strings.Join(report.ModelLoaded, ", "))
			}
			return nil
		},
	}
	flags.register(c)
	return c
}
