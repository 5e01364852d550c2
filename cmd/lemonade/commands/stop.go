package commands

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	flags := &clientFlags{}
	c := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := flags.client()
			if _, err := client.Health(ctx); err != nil {
				cmd.Println("Gateway is not running")
				return nil
			}
			if err := client.Shutdown(ctx); err != nil {
				return errors.Wrap(err, "unable to request shutdown")
			}

			// Success means the health endpoint stops answering.
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := client.Health(ctx); err != nil {
					cmd.Println("Gateway stopped")
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(250 * time.Millisecond):
				}
			}
			return errors.New("gateway is still answering after shutdown request")
		},
	}
	flags.register(c)
	return c
}
