// Package transport moves fixed-size packets between host and device.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var (
	ErrTransportClosed = errors.New("transport: closed")
	ErrNotUDP          = errors.New("transport: address is not a UDP address")
	ErrNoPeer          = errors.New("transport: no peer to reply to")
)

// Link is a packet link to the peer. Packets are never split or merged.
type Link interface {
	ReadPacket(ctx context.Context, buf []byte) (int, error)
	WritePacket(ctx context.Context, packet []byte) error
	Close() error
}

// ParseAddr resolves a multiaddr such as /ip4/127.0.0.1/udp/21324 or a
// host:port string to a UDP address
func ParseAddr(s string) (*net.UDPAddr, error) {
	if !strings.HasPrefix(s, "/") {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			return nil, fmt.Errorf("transport: resolve %s: %w", s, err)
		}
		return addr, nil
	}
	m, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("transport: parse %s: %w", s, err)
	}
	na, err := manet.ToNetAddr(m)
	if err != nil {
		return nil, fmt.Errorf("transport: convert %s: %w", s, err)
	}
	addr, ok := na.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotUDP, s)
	}
	return addr, nil
}

// FormatAddr returns the multiaddr form of a UDP address
func FormatAddr(addr *net.UDPAddr) string {
	m, err := manet.FromNetAddr(addr)
	if err != nil {
		return addr.String()
	}
	return m.String()
}
