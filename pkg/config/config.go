// Package config loads thpctl settings from YAML
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/protocol"
	"github.com/ZentaChain/thp/pkg/transport"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config holds host and emulator settings
type Config struct {
	Address            string        `yaml:"address"`
	PacketLength       int           `yaml:"packet_length"`
	Suite              string        `yaml:"suite"`
	CredentialDB       string        `yaml:"credential_db"`
	CredentialPassword string        `yaml:"credential_password"`
	RetransmitTimeout  time.Duration `yaml:"retransmit_timeout"`
	MaxRetransmissions int           `yaml:"max_retransmissions"`
	LogLevel           string        `yaml:"log_level"`
	Device             Device        `yaml:"device"`
}

// Device configures the emulator
type Device struct {
	StaticKey     string     `yaml:"static_key"`
	CredentialKey string     `yaml:"credential_key"`
	MaxMessageLen int        `yaml:"max_message_len"`
	MaxChannels   int        `yaml:"max_channels"`
	Properties    Properties `yaml:"properties"`
}

type Properties struct {
	InternalModel        string   `yaml:"internal_model"`
	ModelVariant         uint32   `yaml:"model_variant"`
	ProtocolVersionMajor uint32   `yaml:"protocol_version_major"`
	ProtocolVersionMinor uint32   `yaml:"protocol_version_minor"`
	PairingMethods       []string `yaml:"pairing_methods"`
}

var pairingMethods = map[string]credential.PairingMethod{
	"skip":       credential.PairingSkip,
	"code_entry": credential.PairingCodeEntry,
	"qr_code":    credential.PairingQrCode,
	"nfc":        credential.PairingNFC,
}

// Default returns the settings used when no file is present
func Default() *Config {
	return &Config{
		Address:            "/ip4/127.0.0.1/udp/21324",
		PacketLength:       protocol.DefaultPacketLen,
		Suite:              "aesgcm-sha256",
		CredentialDB:       filepath.Join(defaultDir(), "credentials.db"),
		RetransmitTimeout:  500 * time.Millisecond,
		MaxRetransmissions: 20,
		LogLevel:           "info",
		Device: Device{
			Properties: Properties{
				InternalModel:        "T3W1",
				ProtocolVersionMajor: 2,
				PairingMethods:       []string{"skip"},
			},
		},
	}
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".thp"
	}
	return filepath.Join(home, ".thp")
}

// DefaultPath returns ~/.thp/config.yaml
func DefaultPath() string {
	return filepath.Join(defaultDir(), "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores the configuration as YAML, readable only by the owner
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.PacketLength < protocol.MinPacketLen || c.PacketLength > protocol.MaxPayloadLen {
		return fmt.Errorf("%w: packet_length %d", ErrInvalidConfig, c.PacketLength)
	}
	if _, err := crypto.NewBackend(c.Suite); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := transport.ParseAddr(c.Address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RetransmitTimeout <= 0 {
		return fmt.Errorf("%w: retransmit_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRetransmissions < 0 {
		return fmt.Errorf("%w: max_retransmissions %d", ErrInvalidConfig, c.MaxRetransmissions)
	}
	if n := c.Device.MaxMessageLen; n < 0 || n > protocol.MaxPayloadLen {
		return fmt.Errorf("%w: max_message_len %d", ErrInvalidConfig, n)
	}
	if c.Device.MaxChannels < 0 {
		return fmt.Errorf("%w: max_channels %d", ErrInvalidConfig, c.Device.MaxChannels)
	}
	if c.Device.StaticKey != "" {
		if _, err := crypto.ParseKey(c.Device.StaticKey); err != nil {
			return fmt.Errorf("%w: static_key: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := hex.DecodeString(c.Device.CredentialKey); err != nil {
		return fmt.Errorf("%w: credential_key: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Device.Properties.Resolve(); err != nil {
		return err
	}
	return nil
}

// Backend returns the configured cipher suite
func (c *Config) Backend() (crypto.Backend, error) {
	return crypto.NewBackend(c.Suite)
}

// Resolve converts the properties to their wire form
func (p Properties) Resolve() (credential.DeviceProperties, error) {
	props := credential.DeviceProperties{
		InternalModel:        p.InternalModel,
		ModelVariant:         p.ModelVariant,
		ProtocolVersionMajor: p.ProtocolVersionMajor,
		ProtocolVersionMinor: p.ProtocolVersionMinor,
	}
	for _, name := range p.PairingMethods {
		m, ok := pairingMethods[strings.ToLower(name)]
		if !ok {
			return props, fmt.Errorf("%w: pairing method %q", ErrInvalidConfig, name)
		}
		props.PairingMethods = append(props.PairingMethods, m)
	}
	return props, nil
}

// Issuer builds the emulator's credential issuer. Missing keys are
// generated, so such a device forgets its pairings on restart.
func (d Device) Issuer(b crypto.Backend) (*credential.HMACVerifier, error) {
	var (
		static crypto.Key
		err    error
	)
	if d.StaticKey != "" {
		static, err = crypto.ParseKey(d.StaticKey)
	} else {
		static, err = crypto.GenerateKey(b)
	}
	if err != nil {
		return nil, err
	}

	credKey, err := hex.DecodeString(d.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("%w: credential_key: %v", ErrInvalidConfig, err)
	}
	if len(credKey) == 0 {
		credKey = make([]byte, crypto.KeyLen)
		if err := b.Random(credKey); err != nil {
			return nil, err
		}
	}

	props, err := d.Properties.Resolve()
	if err != nil {
		return nil, err
	}
	return credential.NewHMACVerifier(static, credKey, props.Marshal()), nil
}
