package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/client"
	"github.com/ZentaChain/thp/pkg/config"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/logging"
	"github.com/ZentaChain/thp/pkg/storage"
	"github.com/ZentaChain/thp/pkg/transport"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	address  string

	// Set during PersistentPreRun
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "thpctl",
	Short: "Host tool and device emulator for the trusted host protocol",
	Long: `thpctl talks to a device over the fragmenting, encrypted host protocol.
It can ping a device, open and pair a channel, send application messages,
manage stored pairing credentials and run a device emulator over UDP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if address != "" {
			cfg.Address = address
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger = logging.ConfigureRuntime(cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.thp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn, error or off")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "device address, multiaddr or host:port")
}

func clientOptions() []client.Option {
	return []client.Option{
		client.WithLogger(logger),
		client.WithPacketLen(cfg.PacketLength),
		client.WithRetransmitTimeout(cfg.RetransmitTimeout),
		client.WithMaxRetransmissions(cfg.MaxRetransmissions),
	}
}

func openStore(b crypto.Backend) (*storage.CredentialDB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.CredentialDB), 0700); err != nil {
		return nil, err
	}
	return storage.NewCredentialDB(cfg.CredentialDB, cfg.CredentialPassword, b)
}

// connect dials the device with the credential store attached. The returned
// function releases both.
func connect() (*client.Client, *storage.CredentialDB, func(), error) {
	b, err := cfg.Backend()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := openStore(b)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	link, err := transport.Dial(cfg.Address)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	c := client.New(link, b, db, clientOptions()...)
	return c, db, func() {
		c.Close()
		db.Close()
	}, nil
}
