package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	sessionID   uint8
	messageType uint16
	hexPayload  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <payload>",
	Short: "Open a channel, send one message and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := []byte(args[0])
		if hexPayload {
			var err error
			if payload, err = hex.DecodeString(args[0]); err != nil {
				return fmt.Errorf("invalid hex payload: %w", err)
			}
		}

		c, _, release, err := connect()
		if err != nil {
			return err
		}
		defer release()

		if _, err := openChannel(cmd.Context(), c, cmd.OutOrStdout()); err != nil {
			return err
		}
		reply, err := c.Call(cmd.Context(), sessionID, messageType, payload)
		if err != nil {
			return fmt.Errorf("call failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %d type %d: %s\n", reply.SessionID, reply.Type, hex.EncodeToString(reply.Payload))
		return nil
	},
}

func init() {
	addOpenFlags(sendCmd)
	sendCmd.Flags().Uint8Var(&sessionID, "session", 1, "session id")
	sendCmd.Flags().Uint16Var(&messageType, "type", 0, "message type")
	sendCmd.Flags().BoolVar(&hexPayload, "hex", false, "payload is hex encoded")
	rootCmd.AddCommand(sendCmd)
}
