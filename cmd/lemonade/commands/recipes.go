package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade/pkg/hardware"
)

func newRecipesCmd() *cobra.Command {
	flags := &clientFlags{}
	c := &cobra.Command{
		Use:   "recipes",
		Short: "Show which backend recipes this system supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := recipeTable(cmd, flags)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(table))
			for name := range table {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RECIPE\tSUPPORTED\tBACKENDS\tREASON")
			for _, name := range names {
				support := table[name]
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n",
					name, support.Supported, strings.Join(support.Backends, ","), support.Reason)
			}
			return w.Flush()
		},
	}
	flags.register(c)
	return c
}

// recipeTable asks a running gateway for its support table, falling back to
// local detection.
func recipeTable(cmd *cobra.Command, flags *clientFlags) (map[string]hardware.RecipeSupport, error) {
	if info, err := flags.client().SystemInfo(cmd.Context()); err == nil {
		var table map[string]hardware.RecipeSupport
		if raw, ok := info["recipes"]; ok && json.Unmarshal(raw, &table) == nil {
			return table, nil
		}
	}
	logger := newQuietLogger()
	return hardware.Detect(logger, "cli").SupportedRecipes(), nil
}
