package commands

import (
	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	flags := &clientFlags{}
	c := &cobra.Command{
		Use:     "delete MODEL",
		Aliases: []string{"rm"},
		Short:   "Delete a model's downloaded files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			client := flags.client()
			if _, err := client.Health(cmd.Context()); err == nil {
				if err := client.Delete(cmd.Context(), name); err != nil {
					return err
				}
			} else {
				cat, _ := localCatalog()
				if err := cat.Delete(cmd.Context(), name); err != nil {
					return err
				}
			}
			cmd.Printf("Deleted %s\n", name)
			return nil
		},
	}
	flags.register(c)
	return c
}
