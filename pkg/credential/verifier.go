package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ZentaChain/thp/pkg/crypto"
)

// Verifier is the device's view of pairing: it owns the static key and
// device properties and decides whether a host credential is valid
type Verifier interface {
	Verify(hostStatic crypto.Key, credential []byte) PairingState
	StaticKey() crypto.Key
	DeviceProperties() []byte
}

// Metadata is stored inside a credential and authenticated with it
type Metadata struct {
	HostName    string
	Autoconnect bool
}

const (
	// pairing credential
	fieldCredentialMetadata protowire.Number = 1
	fieldCredentialMAC      protowire.Number = 2

	// credential metadata
	fieldMetadataHostName    protowire.Number = 1
	fieldMetadataAutoconnect protowire.Number = 2

	// authenticated credential data
	fieldAuthHostStaticKey protowire.Number = 1
	fieldAuthMetadata      protowire.Number = 2
)

// MarshalMetadata encodes credential metadata
func MarshalMetadata(m Metadata) []byte {
	var b []byte
	if m.HostName != "" {
		b = protowire.AppendTag(b, fieldMetadataHostName, protowire.BytesType)
		b = protowire.AppendString(b, m.HostName)
	}
	if m.Autoconnect {
		b = protowire.AppendTag(b, fieldMetadataAutoconnect, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// UnmarshalMetadata decodes credential metadata
func UnmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) {
		switch {
		case num == fieldMetadataHostName && typ == protowire.BytesType:
			m.HostName = string(raw)
		case num == fieldMetadataAutoconnect && typ == protowire.VarintType:
			m.Autoconnect = v != 0
		}
	})
	return m, err
}

// ParseCredential splits a pairing credential into its raw metadata and MAC
func ParseCredential(credential []byte) (metadata []byte, mac []byte, err error) {
	err = walkFields(credential, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) {
		if typ != protowire.BytesType {
			return
		}
		switch num {
		case fieldCredentialMetadata:
			metadata = raw
		case fieldCredentialMAC:
			mac = raw
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if len(mac) != sha256.Size {
		return nil, nil, fmt.Errorf("%w: missing mac", ErrInvalidCredential)
	}
	return metadata, mac, nil
}

// HMACVerifier issues credentials authenticated with a device secret
type HMACVerifier struct {
	staticKey  crypto.Key
	credKey    []byte
	properties []byte
}

// NewHMACVerifier creates a verifier for a device static key, credential
// authentication key and encoded device properties
func NewHMACVerifier(staticKey crypto.Key, credentialKey []byte, properties []byte) *HMACVerifier {
	return &HMACVerifier{
		staticKey:  staticKey,
		credKey:    append([]byte(nil), credentialKey...),
		properties: append([]byte(nil), properties...),
	}
}

func (v *HMACVerifier) StaticKey() crypto.Key {
	return v.staticKey
}

func (v *HMACVerifier) DeviceProperties() []byte {
	return v.properties
}

// Issue creates a credential binding hostStatic to the metadata
func (v *HMACVerifier) Issue(hostStatic crypto.Key, meta Metadata) []byte {
	raw := MarshalMetadata(meta)
	var b []byte
	b = protowire.AppendTag(b, fieldCredentialMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	b = protowire.AppendTag(b, fieldCredentialMAC, protowire.BytesType)
	b = protowire.AppendBytes(b, v.mac(hostStatic, raw))
	return b
}

// Verify checks a credential presented by the host in the handshake
func (v *HMACVerifier) Verify(hostStatic crypto.Key, credential []byte) PairingState {
	if len(credential) == 0 {
		return Unpaired
	}
	raw, mac, err := ParseCredential(credential)
	if err != nil {
		return Unpaired
	}
	if !hmac.Equal(mac, v.mac(hostStatic, raw)) {
		return Unpaired
	}
	meta, err := UnmarshalMetadata(raw)
	if err != nil {
		return Unpaired
	}
	if meta.Autoconnect {
		return PairedAutoconnect
	}
	return Paired
}

func (v *HMACVerifier) mac(hostStatic crypto.Key, metadata []byte) []byte {
	var data []byte
	data = protowire.AppendTag(data, fieldAuthHostStaticKey, protowire.BytesType)
	data = protowire.AppendBytes(data, hostStatic[:])
	data = protowire.AppendTag(data, fieldAuthMetadata, protowire.BytesType)
	data = protowire.AppendBytes(data, metadata)

	h := hmac.New(sha256.New, v.credKey)
	h.Write(data)
	return h.Sum(nil)
}

// walkFields visits each top-level field of a protobuf message. Varint
// fields are passed in v, length-delimited fields in raw.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, raw []byte, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidCredential, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidCredential, protowire.ParseError(n))
			}
			visit(num, typ, nil, v)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidCredential, protowire.ParseError(n))
			}
			visit(num, typ, raw, 0)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidCredential, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
