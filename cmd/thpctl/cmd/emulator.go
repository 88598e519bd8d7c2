package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/client"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/transport"
)

var emulatorCmd = &cobra.Command{
	Use:   "emulator",
	Short: "Run a device emulator on the configured address",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := cfg.Backend()
		if err != nil {
			return err
		}
		issuer, err := cfg.Device.Issuer(b)
		if err != nil {
			return err
		}
		link, err := transport.Listen(cfg.Address)
		if err != nil {
			return err
		}
		defer link.Close()

		opts := clientOptions()
		if cfg.Device.MaxMessageLen > 0 {
			opts = append(opts, client.WithReceiveBuffer(cfg.Device.MaxMessageLen))
		}
		if cfg.Device.MaxChannels > 0 {
			opts = append(opts, client.WithMaxChannels(cfg.Device.MaxChannels))
		}
		e, err := client.NewEmulator(link, b, issuer, opts...)
		if err != nil {
			return err
		}

		pub, err := b.PublicKey(issuer.StaticKey())
		if err != nil {
			return err
		}
		logger.Info("device emulator listening",
			zap.String("address", transport.FormatAddr(link.LocalAddr())),
			zap.String("suite", b.Name()),
			zap.String("device", crypto.Fingerprint(pub)))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := e.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("device emulator stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(emulatorCmd)
}
