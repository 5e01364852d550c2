package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade/pkg/config"
)

// clientFlags target a running gateway.
type clientFlags struct {
	host string
	port int
}

func (f *clientFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.host, "host", config.EnvString(config.EnvHost, "localhost"), "Gateway host")
	c.Flags().IntVar(&f.port, "port", config.EnvInt(config.EnvPort, 8000), "Gateway port")
}

func (f *clientFlags) client() *Client {
	host := f.host
	if host == "0.0.0.0" {
		host = "localhost"
	}
	return NewClient(host, f.port)
}

func newListCmd() *cobra.Command {
	flags := &clientFlags{}
	var quiet bool
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the models known to the gateway",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := listModels(cmd.Context(), flags)
			if err != nil {
				return err
			}
			sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

			if quiet {
				for _, m := range models {
					cmd.Println(m.ID)
				}
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tRECIPE\tTYPE\tSIZE\tDOWNLOADED\tLABELS")
			for _, m := range models {
				size := ""
				if m.SizeGB > 0 {
					size = units.HumanSize(m.SizeGB * 1e9)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					m.ID, m.Recipe, m.Type, size, m.Downloaded, strings.Join(m.Labels, ","))
			}
			return w.Flush()
		},
	}
	flags.register(c)
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print model names only")
	return c
}

// listModels prefers a running gateway and falls back to reading the local
// catalogue directly.
func listModels(ctx context.Context, flags *clientFlags) ([]ModelSummary, error) {
	if models, err := flags.client().Models(ctx); err == nil {
		return models, nil
	}
	cat, _ := localCatalog()
	infos, err := cat.Models(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]ModelSummary, 0, len(infos))
	for _, info := range infos {
		models = append(models, ModelSummary{
			ID:         info.ModelName,
			Recipe:     info.Recipe,
			Type:       string(info.Type),
			Labels:     info.Labels,
			SizeGB:     info.SizeGB,
			Downloaded: info.Downloaded,
		})
	}
	return models, nil
}
