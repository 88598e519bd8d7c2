package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/thp/pkg/channel"
	"github.com/ZentaChain/thp/pkg/client"
	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
)

var (
	tryToUnlock bool
	pair        bool
	hostName    string
	autoconnect bool
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a channel, run the handshake and finish pairing",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, release, err := connect()
		if err != nil {
			return err
		}
		defer release()

		ch, err := openChannel(cmd.Context(), c, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		describeChannel(cmd.OutOrStdout(), ch)
		return nil
	},
}

// openChannel opens a channel, pairs if asked to and ends the pairing phase
func openChannel(ctx context.Context, c *client.Client, out io.Writer) (*channel.Channel, error) {
	ch, err := c.Open(ctx, tryToUnlock)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if pair && !ch.PairingState().IsPaired() {
		name := hostName
		if name == "" {
			name, _ = os.Hostname()
		}
		rec, err := c.RequestCredential(ctx, credential.Metadata{HostName: name, Autoconnect: autoconnect})
		if err != nil {
			return nil, fmt.Errorf("failed to pair: %w", err)
		}
		fmt.Fprintf(out, "paired with device %s\n", crypto.Fingerprint(rec.DeviceStaticKey))
	}
	if err := c.EndPairing(ctx); err != nil {
		return nil, fmt.Errorf("failed to end pairing: %w", err)
	}
	return ch, nil
}

func describeChannel(out io.Writer, ch *channel.Channel) {
	hash := ch.HandshakeHash()
	fmt.Fprintf(out, "channel:        %#04x\n", ch.ID())
	fmt.Fprintf(out, "state:          %s\n", ch.State())
	fmt.Fprintf(out, "pairing state:  %s\n", ch.PairingState())
	fmt.Fprintf(out, "handshake hash: %s\n", hex.EncodeToString(hash[:]))
	if props, err := credential.UnmarshalDeviceProperties(ch.DeviceProperties()); err == nil {
		fmt.Fprintf(out, "device model:   %s (protocol %d.%d)\n",
			props.InternalModel, props.ProtocolVersionMajor, props.ProtocolVersionMinor)
	}
}

func addOpenFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&tryToUnlock, "unlock", false, "ask the device to prompt for unlock")
	cmd.Flags().BoolVar(&pair, "pair", false, "request and store a credential when unpaired")
	cmd.Flags().StringVar(&hostName, "host-name", "", "host name stored in the credential (default hostname)")
	cmd.Flags().BoolVar(&autoconnect, "autoconnect", false, "request an autoconnect credential")
}

func init() {
	addOpenFlags(openCmd)
	rootCmd.AddCommand(openCmd)
}
