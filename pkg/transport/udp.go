package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// UDPLink carries one packet per datagram, the way the device emulator does
type UDPLink struct {
	conn    *net.UDPConn
	dialled bool
	mu      sync.Mutex
	remote  *net.UDPAddr
	closed  bool
}

// Dial connects to a device listening at addr
func Dial(addr string) (*UDPLink, error) {
	raddr, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &UDPLink{conn: conn, dialled: true, remote: raddr}, nil
}

// Listen binds a device endpoint to addr. Replies go to the last peer heard
// from.
func Listen(addr string) (*UDPLink, error) {
	laddr, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &UDPLink{conn: conn}, nil
}

// ReadPacket blocks until a datagram arrives or ctx is done
func (l *UDPLink) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	if l.isClosed() {
		return 0, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := l.conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
	} else if err := l.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}

	// Unblock the read when ctx is cancelled
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	n, from, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, err
	}
	if from != nil && !l.dialled {
		l.mu.Lock()
		l.remote = from
		l.mu.Unlock()
	}
	return n, nil
}

// WritePacket sends one datagram
func (l *UDPLink) WritePacket(ctx context.Context, packet []byte) error {
	if l.isClosed() {
		return ErrTransportClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := l.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	if l.dialled {
		_, err := l.conn.Write(packet)
		return err
	}

	l.mu.Lock()
	remote := l.remote
	l.mu.Unlock()
	if remote == nil {
		return ErrNoPeer
	}
	_, err := l.conn.WriteToUDP(packet, remote)
	return err
}

// Close shuts down the link
func (l *UDPLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

// LocalAddr returns the local address of the underlying connection
func (l *UDPLink) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

func (l *UDPLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
