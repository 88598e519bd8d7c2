package credential

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ZentaChain/thp/pkg/crypto"
)

// IssueRequest asks the device for a credential during pairing
type IssueRequest struct {
	HostStaticKey crypto.Key // public
	Metadata      Metadata
}

// IssueResponse carries a fresh credential and the device static public key
// the host stores it under
type IssueResponse struct {
	DeviceStaticKey crypto.Key
	Credential      []byte
}

const (
	fieldRequestHostStaticKey protowire.Number = 1
	fieldRequestMetadata      protowire.Number = 2

	fieldResponseDeviceStaticKey protowire.Number = 1
	fieldResponseCredential      protowire.Number = 2
)

// Issuer is a verifier that can also hand out credentials
type Issuer interface {
	Verifier
	Issue(hostStatic crypto.Key, meta Metadata) []byte
}

// Saver persists records obtained by pairing
type Saver interface {
	Save(rec Record) error
}

// UsageRecorder notes that the credential for a device was accepted
type UsageRecorder interface {
	Touch(deviceStaticKey crypto.Key) error
}

func (r IssueRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRequestHostStaticKey, protowire.BytesType)
	b = protowire.AppendBytes(b, r.HostStaticKey[:])
	b = protowire.AppendTag(b, fieldRequestMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, MarshalMetadata(r.Metadata))
	return b
}

func UnmarshalIssueRequest(b []byte) (IssueRequest, error) {
	var (
		r      IssueRequest
		key    []byte
		rawMD  []byte
		mdSeen bool
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) {
		if typ != protowire.BytesType {
			return
		}
		switch num {
		case fieldRequestHostStaticKey:
			key = raw
		case fieldRequestMetadata:
			rawMD, mdSeen = raw, true
		}
	})
	if err != nil {
		return r, err
	}
	if len(key) != crypto.KeyLen {
		return r, fmt.Errorf("%w: host static key of %d bytes", ErrInvalidCredential, len(key))
	}
	copy(r.HostStaticKey[:], key)
	if mdSeen {
		if r.Metadata, err = UnmarshalMetadata(rawMD); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (r IssueResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResponseDeviceStaticKey, protowire.BytesType)
	b = protowire.AppendBytes(b, r.DeviceStaticKey[:])
	b = protowire.AppendTag(b, fieldResponseCredential, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Credential)
	return b
}

func UnmarshalIssueResponse(b []byte) (IssueResponse, error) {
	var (
		r   IssueResponse
		key []byte
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) {
		if typ != protowire.BytesType {
			return
		}
		switch num {
		case fieldResponseDeviceStaticKey:
			key = raw
		case fieldResponseCredential:
			r.Credential = append([]byte(nil), raw...)
		}
	})
	if err != nil {
		return r, err
	}
	if len(key) != crypto.KeyLen {
		return r, fmt.Errorf("%w: device static key of %d bytes", ErrInvalidCredential, len(key))
	}
	if len(r.Credential) == 0 {
		return r, fmt.Errorf("%w: empty credential", ErrInvalidCredential)
	}
	copy(r.DeviceStaticKey[:], key)
	return r, nil
}
