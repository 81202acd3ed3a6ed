package lockstep

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

var (
	// ErrProtocolViolation marks a peer that sent something the protocol
	// does not allow at that point. It never satisfies transport.ErrDisconnected.
	ErrProtocolViolation = errors.New("lockstep: protocol violation")

	// ErrStallTimeout is returned when a configured stall timeout elapses
	// while waiting for the peer.
	ErrStallTimeout = errors.New("lockstep: timed out waiting for peer")
)

// Link is the ordered message pipe a queue runs over. *transport.Bridge
// satisfies it.
type Link interface {
	Send(msg wire.Message) error
	Incoming() <-chan wire.Message
	Err() error
}

// Config holds the per-session settings of a queue
type Config struct {
	PlayerName string
	// Delay is the host's initial input delay. Guests ignore it.
	Delay uint8
	// StallTimeout bounds each blocking wait. Zero waits forever.
	StallTimeout time.Duration
	Clock        clockwork.Clock
}

// DefaultConfig returns a config that waits on the peer indefinitely
func DefaultConfig(playerName string) Config {
	return Config{
		PlayerName:   playerName,
		Delay:        1,
		StallTimeout: 0,
		Clock:        clockwork.NewRealClock(),
	}
}

// Inputs is the pair both simulations consume for one frame
type Inputs struct {
	Local  wire.Input
	Remote wire.Input
}

// Match is the outcome of a completed match handshake
type Match struct {
	RemoteName string
	Initial    wire.MatchInitial
}

// Exchanger is what both ends of a battle link can do
type Exchanger interface {
	// EnqueueAndDequeue sends local for the current frame and blocks until
	// the pair for this frame is known.
	EnqueueAndDequeue(local wire.Input) (Inputs, error)
	Delay() uint8
	Frame() uint64
}

// Originator is the host side: it owns delay, match settings and seeds
type Originator interface {
	Exchanger
	SetDelay(delay uint8)
	InitMatch(initial wire.MatchInitial) (Match, error)
	InitRound(round wire.RoundInitial) error
}

// Receiver is the guest side: it applies whatever the host originated
type Receiver interface {
	Exchanger
	InitMatch() (Match, error)
	InitRound() (wire.RoundInitial, error)
}

// waiter pulls messages off a link on the game thread
type waiter struct {
	link         Link
	clock        clockwork.Clock
	stallTimeout time.Duration
	// failed poisons the queue after the first error
	failed error
}

func newWaiter(link Link, config Config) waiter {
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return waiter{link: link, clock: clock, stallTimeout: config.StallTimeout}
}

// next blocks for the next incoming message
func (w *waiter) next() (wire.Message, error) {
	select {
	case msg, ok := <-w.link.Incoming():
		if !ok {
			return nil, w.linkErr()
		}
		return msg, nil
	default:
	}

	var timeout <-chan time.Time
	if w.stallTimeout > 0 {
		timer := w.clock.NewTimer(w.stallTimeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case msg, ok := <-w.link.Incoming():
		if !ok {
			return nil, w.linkErr()
		}
		return msg, nil
	case <-timeout:
		return nil, fmt.Errorf("%w after %v", ErrStallTimeout, w.stallTimeout)
	}
}

func (w *waiter) send(msg wire.Message) error {
	if err := w.link.Send(msg); err != nil {
		return classify(fmt.Errorf("failed to send %s: %w", msg.Kind(), err))
	}
	return nil
}

func (w *waiter) linkErr() error {
	err := w.link.Err()
	if err == nil {
		return transport.ErrDisconnected
	}
	return classify(err)
}

// fail records err so every later call reports it too
func (w *waiter) fail(err error) error {
	if w.failed == nil {
		w.failed = err
	}
	return err
}

func classify(err error) error {
	if errors.Is(err, transport.ErrDisconnected) || errors.Is(err, ErrProtocolViolation) {
		return err
	}
	if errors.Is(err, wire.ErrMalformed) {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return err
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// battle is the state shared by both ends of a battle link
type battle struct {
	waiter
	name  string
	delay uint8
	frame uint64

	local  inputStream
	remote inputStream

	hello     *wire.MatchHello
	helloSeen bool
	// delayKnown is set once the first host message has fixed the delay
	delayKnown bool
	round     *wire.RoundInitial
	match     *Match

	// followsDelay makes every host message reset the local delay
	followsDelay bool
	// acceptsRound is false on the host, which never receives seeds
	acceptsRound bool
}

func (b *battle) Delay() uint8 {
	return b.delay
}

func (b *battle) Frame() uint64 {
	return b.frame
}

func (b *battle) EnqueueAndDequeue(local wire.Input) (Inputs, error) {
	if b.failed != nil {
		return Inputs{}, b.failed
	}
	// A guest must not push its first frame at a delay the host never chose
	if b.followsDelay && !b.delayKnown {
		if err := b.waitFor(b.delayReady); err != nil {
			return Inputs{}, b.fail(err)
		}
	}
	if err := b.send(wire.InputFrame{Input: local, Delay: b.delay}); err != nil {
		return Inputs{}, b.fail(err)
	}
	b.local.push(local, b.delay)

	if err := b.waitFor(b.remote.ready); err != nil {
		return Inputs{}, b.fail(err)
	}

	inputs := Inputs{Local: b.local.pop(), Remote: b.remote.pop()}
	b.frame++

	log.Trace().
		Uint64("frame", b.frame).
		Uint8("delay", b.delay).
		Int("remote_backlog", b.remote.backlog()).
		Msg("inputs exchanged")

	return inputs, nil
}

func (b *battle) waitFor(ready func() bool) error {
	for !ready() {
		msg, err := b.next()
		if err != nil {
			return err
		}
		if err := b.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *battle) dispatch(msg wire.Message) error {
	switch m := msg.(type) {
	case wire.InputFrame:
		b.remote.push(m.Input, m.Delay)
		if b.followsDelay {
			b.delay = m.Delay
			b.delayKnown = true
		}
	case wire.MatchHello:
		if b.helloSeen {
			return violation("duplicate match hello from %q", m.PlayerName)
		}
		b.helloSeen = true
		b.hello = &m
		if b.followsDelay {
			b.delay = m.Delay
			b.delayKnown = true
		}
	case wire.RoundInitial:
		if !b.acceptsRound {
			return violation("round seeds received by the host")
		}
		if b.round != nil {
			return violation("round seeds received before the previous round consumed them")
		}
		b.round = &m
	default:
		return violation("unexpected %s on a battle link", msg.Kind())
	}
	return nil
}

func (b *battle) helloReady() bool {
	return b.hello != nil
}

func (b *battle) delayReady() bool {
	return b.delayKnown
}

func (b *battle) roundReady() bool {
	return b.round != nil
}
