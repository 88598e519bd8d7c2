package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the device answers on the broadcast channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, release, err := connect()
		if err != nil {
			return err
		}
		defer release()

		start := time.Now()
		if err := c.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", cfg.Address, time.Since(start).Round(time.Microsecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
