package handshake

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the completion request noise payload
const (
	fieldHostPairingCredential protowire.Number = 1
)

// EncodeCompletionPayload serialises the payload of the completion request.
// A host without a stored credential sends an empty payload.
func EncodeCompletionPayload(credential []byte) []byte {
	if len(credential) == 0 {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, fieldHostPairingCredential, protowire.BytesType)
	b = protowire.AppendBytes(b, credential)
	return b
}

// DecodeCompletionPayload extracts the host pairing credential, skipping
// unknown fields
func DecodeCompletionPayload(b []byte) ([]byte, error) {
	var credential []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldHostPairingCredential && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			credential = append([]byte(nil), v...)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return credential, nil
}
