package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// BridgeConfig sizes the queues between the game thread and the pumps
type BridgeConfig struct {
	// Name tags log lines from the pumps
	Name string
	// OutgoingBuffer is how many messages Send may queue before ErrBacklog
	OutgoingBuffer int
	// IncomingBuffer is how many decoded messages may wait for the game thread
	IncomingBuffer int
}

// DefaultBridgeConfig returns queue sizes suited to a lockstep peer link
func DefaultBridgeConfig(name string) BridgeConfig {
	return BridgeConfig{
		Name:           name,
		OutgoingBuffer: 1024,
		IncomingBuffer: 256,
	}
}

// Bridge connects a Channel to the game thread. An outgoing pump encodes and
// sends queued values; an incoming pump receives and decodes into Incoming.
// When either pump stops the channel is closed, Incoming is closed after the
// last decoded value, and Err reports why.
type Bridge[T any] struct {
	ch     Channel
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
	config BridgeConfig

	out     chan T
	in      chan T
	closing chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	wg        sync.WaitGroup
}

// NewBridge starts both pumps over ch. The bridge owns ch from now on.
func NewBridge[T any](ch Channel, encode func(T) ([]byte, error), decode func([]byte) (T, error), cfg BridgeConfig) *Bridge[T] {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge[T]{
		ch:      ch,
		encode:  encode,
		decode:  decode,
		config:  cfg,
		out:     make(chan T, cfg.OutgoingBuffer),
		in:      make(chan T, cfg.IncomingBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	b.wg.Add(2)
	go b.sendPump()
	go b.recvPump()

	return b
}

// Send queues v for the outgoing pump. It never waits on the network.
func (b *Bridge[T]) Send(v T) error {
	select {
	case <-b.closing:
		return fmt.Errorf("%w: %w", ErrDisconnected, ErrClosed)
	case <-b.done:
		return b.Err()
	default:
	}

	select {
	case b.out <- v:
		return nil
	default:
		return ErrBacklog
	}
}

// Incoming yields decoded values in arrival order and is closed once the
// incoming pump has stopped.
func (b *Bridge[T]) Incoming() <-chan T {
	return b.in
}

// Done is closed when the incoming pump has stopped
func (b *Bridge[T]) Done() <-chan struct{} {
	return b.done
}

// Err returns why the bridge stopped, or nil while it is running. Transport
// failures satisfy errors.Is(err, ErrDisconnected); decode failures carry the
// decoder's error instead.
func (b *Bridge[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close flushes values already queued by Send, then closes the channel.
// It does not wait for the pumps to exit.
func (b *Bridge[T]) Close() error {
	b.closeOnce.Do(func() {
		close(b.closing)
	})
	return nil
}

// Wait blocks until both pumps have exited
func (b *Bridge[T]) Wait() {
	b.wg.Wait()
}

func (b *Bridge[T]) setErr(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
}

func (b *Bridge[T]) shutdown() {
	if err := b.ch.Close(); err != nil {
		log.Debug().Err(err).Str("bridge", b.config.Name).Msg("failed to close channel")
	}
	b.cancel()
}

func (b *Bridge[T]) sendPump() {
	defer b.wg.Done()

	for {
		select {
		case v := <-b.out:
			if err := b.write(v); err != nil {
				b.setErr(err)
				b.shutdown()
				return
			}
		case <-b.closing:
			for {
				select {
				case v := <-b.out:
					if err := b.write(v); err != nil {
						b.setErr(err)
						b.shutdown()
						return
					}
				default:
					log.Debug().Str("bridge", b.config.Name).Msg("outgoing pump flushed and stopped")
					b.shutdown()
					return
				}
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bridge[T]) write(v T) error {
	data, err := b.encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode outgoing message: %w", err)
	}
	if err := b.ch.Send(b.ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

func (b *Bridge[T]) recvPump() {
	defer b.wg.Done()
	defer close(b.done)
	defer close(b.in)

	for {
		data, err := b.ch.Recv(b.ctx)
		if err != nil {
			b.setErr(fmt.Errorf("%w: %w", ErrDisconnected, err))
			b.shutdown()
			log.Debug().Err(err).Str("bridge", b.config.Name).Msg("incoming pump stopped")
			return
		}

		v, err := b.decode(data)
		if err != nil {
			b.setErr(fmt.Errorf("failed to decode incoming message: %w", err))
			b.shutdown()
			log.Error().Err(err).Str("bridge", b.config.Name).Msg("incoming pump stopped on undecodable message")
			return
		}

		select {
		case b.in <- v:
		case <-b.ctx.Done():
			b.setErr(fmt.Errorf("%w: %w", ErrDisconnected, ErrClosed))
			return
		}
	}
}
