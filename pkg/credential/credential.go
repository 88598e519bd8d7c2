// Package credential implements pairing credentials: the host-side store
// consulted during the handshake and the device-side verifier that issues
// and checks them.
package credential

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential   = errors.New("credential: invalid credential")
	ErrInvalidPairingState = errors.New("credential: invalid pairing state")
	ErrInvalidProperties   = errors.New("credential: invalid device properties")
)

// PairingState is reported by the device at the end of the handshake
type PairingState uint8

const (
	Unpaired          PairingState = 0
	Paired            PairingState = 1
	PairedAutoconnect PairingState = 2
)

// ParsePairingState decodes the single byte completion response
func ParsePairingState(b []byte) (PairingState, error) {
	if len(b) != 1 || b[0] > byte(PairedAutoconnect) {
		return Unpaired, fmt.Errorf("%w: %x", ErrInvalidPairingState, b)
	}
	return PairingState(b[0]), nil
}

// IsPaired reports whether the host presented a valid credential
func (p PairingState) IsPaired() bool {
	return p != Unpaired
}

func (p PairingState) String() string {
	switch p {
	case Unpaired:
		return "unpaired"
	case Paired:
		return "paired"
	case PairedAutoconnect:
		return "paired_autoconnect"
	default:
		return fmt.Sprintf("pairing_state(%d)", uint8(p))
	}
}
