package transport

import (
	"context"
	"sync"
)

// pipeEnd is one side of an in-memory link
type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	done   chan struct{}
	once   *sync.Once
	filter func(packet []byte) bool
}

// Pipe returns two connected in-memory links. Each direction buffers up to
// depth packets.
func Pipe(depth int) (Link, Link) {
	a := make(chan []byte, depth)
	b := make(chan []byte, depth)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: a, out: b, done: done, once: once},
		&pipeEnd{in: b, out: a, done: done, once: once}
}

// LossyPipe is Pipe with a filter on each direction. A packet is dropped
// when the filter of its sending side returns true.
func LossyPipe(depth int, dropAB, dropBA func(packet []byte) bool) (Link, Link) {
	x, y := Pipe(depth)
	x.(*pipeEnd).filter = dropAB
	y.(*pipeEnd).filter = dropBA
	return x, y
}

func (p *pipeEnd) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	select {
	case packet := <-p.in:
		return copy(buf, packet), nil
	case <-p.done:
		return 0, ErrTransportClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *pipeEnd) WritePacket(ctx context.Context, packet []byte) error {
	if p.filter != nil && p.filter(packet) {
		return nil
	}
	cp := append([]byte(nil), packet...)
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
