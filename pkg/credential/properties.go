package credential

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PairingMethod is a pairing method offered by the device
type PairingMethod uint32

const (
	PairingSkip      PairingMethod = 1
	PairingCodeEntry PairingMethod = 2
	PairingQrCode    PairingMethod = 3
	PairingNFC       PairingMethod = 4
)

// DeviceProperties describe the device in the channel allocation response.
// Their encoding is the handshake prologue.
type DeviceProperties struct {
	InternalModel        string
	ModelVariant         uint32
	ProtocolVersionMajor uint32
	ProtocolVersionMinor uint32
	PairingMethods       []PairingMethod
}

const (
	fieldInternalModel        protowire.Number = 1
	fieldModelVariant         protowire.Number = 2
	fieldProtocolVersionMajor protowire.Number = 3
	fieldProtocolVersionMinor protowire.Number = 4
	fieldPairingMethods       protowire.Number = 5
)

// Marshal encodes the properties
func (p DeviceProperties) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldInternalModel, protowire.BytesType)
	b = protowire.AppendString(b, p.InternalModel)
	if p.ModelVariant != 0 {
		b = protowire.AppendTag(b, fieldModelVariant, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ModelVariant))
	}
	b = protowire.AppendTag(b, fieldProtocolVersionMajor, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.ProtocolVersionMajor))
	b = protowire.AppendTag(b, fieldProtocolVersionMinor, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.ProtocolVersionMinor))
	for _, m := range p.PairingMethods {
		b = protowire.AppendTag(b, fieldPairingMethods, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m))
	}
	return b
}

// UnmarshalDeviceProperties decodes properties sent by the device
func UnmarshalDeviceProperties(b []byte) (DeviceProperties, error) {
	var p DeviceProperties
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) {
		switch {
		case num == fieldInternalModel && typ == protowire.BytesType:
			p.InternalModel = string(raw)
		case num == fieldModelVariant && typ == protowire.VarintType:
			p.ModelVariant = uint32(v)
		case num == fieldProtocolVersionMajor && typ == protowire.VarintType:
			p.ProtocolVersionMajor = uint32(v)
		case num == fieldProtocolVersionMinor && typ == protowire.VarintType:
			p.ProtocolVersionMinor = uint32(v)
		case num == fieldPairingMethods && typ == protowire.VarintType:
			p.PairingMethods = append(p.PairingMethods, PairingMethod(v))
		case num == fieldPairingMethods && typ == protowire.BytesType:
			for len(raw) > 0 {
				m, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return
				}
				p.PairingMethods = append(p.PairingMethods, PairingMethod(m))
				raw = raw[n:]
			}
		}
	})
	if err != nil {
		return DeviceProperties{}, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	return p, nil
}

// Supports reports whether the device offers method
func (p DeviceProperties) Supports(method PairingMethod) bool {
	for _, m := range p.PairingMethods {
		if m == method {
			return true
		}
	}
	return false
}
