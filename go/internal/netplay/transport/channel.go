package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by a Channel once either end has been closed
	// and every queued message has been delivered.
	ErrClosed = errors.New("transport: channel closed")

	// ErrDisconnected is what the game thread sees after a bridge's pumps
	// have stopped, whatever the underlying cause.
	ErrDisconnected = errors.New("transport: peer disconnected")

	// ErrBacklog is returned when a bridge's outgoing buffer is full
	ErrBacklog = errors.New("transport: outgoing buffer full")
)

// Channel is an ordered, reliable, message-boundary-preserving duplex link.
// Send may be called concurrently with Recv, but each of them from a single
// goroutine only. Close is safe to call more than once.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns the two ends of an in-process Channel. Messages queue without
// bound; closing either end lets the other drain what was already sent.
func Pipe() (Channel, Channel) {
	ab := newPipeQueue()
	ba := newPipeQueue()
	return &pipeEnd{in: ba, out: ab}, &pipeEnd{in: ab, out: ba}
}

type pipeQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func newPipeQueue() *pipeQueue {
	return &pipeQueue{signal: make(chan struct{}, 1)}
}

func (q *pipeQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *pipeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

type pipeEnd struct {
	in  *pipeQueue
	out *pipeQueue
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := make([]byte, len(data))
	copy(msg, data)

	p.out.mu.Lock()
	if p.out.closed {
		p.out.mu.Unlock()
		return ErrClosed
	}
	p.out.items = append(p.out.items, msg)
	p.out.mu.Unlock()
	p.out.notify()
	return nil
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	for {
		p.in.mu.Lock()
		if len(p.in.items) > 0 {
			msg := p.in.items[0]
			p.in.items[0] = nil
			p.in.items = p.in.items[1:]
			p.in.mu.Unlock()
			return msg, nil
		}
		closed := p.in.closed
		p.in.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-p.in.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *pipeEnd) Close() error {
	p.out.close()
	p.in.close()
	return nil
}
