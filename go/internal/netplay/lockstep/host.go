package lockstep

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// HostQueue is the originating end of a battle link
type HostQueue struct {
	battle
}

var _ Originator = (*HostQueue)(nil)

// NewHostQueue creates a new host queue over link
func NewHostQueue(link Link, config Config) *HostQueue {
	delay := config.Delay
	if delay > wire.MaxDelay {
		delay = wire.MaxDelay
	}
	return &HostQueue{
		battle: battle{
			waiter:       newWaiter(link, config),
			name:         config.PlayerName,
			delay:        delay,
			acceptsRound: false,
		},
	}
}

// SetDelay changes the delay used from the next enqueued frame on. Values
// above wire.MaxDelay are clamped.
func (q *HostQueue) SetDelay(delay uint8) {
	if delay > wire.MaxDelay {
		log.Warn().Uint8("requested", delay).Uint8("max", wire.MaxDelay).Msg("delay clamped")
		delay = wire.MaxDelay
	}
	if delay == q.delay {
		return
	}
	log.Info().
		Uint8("old_delay", q.delay).
		Uint8("new_delay", delay).
		Uint64("frame", q.frame).
		Msg("input delay changed")
	q.delay = delay
}

// InitMatch sends the match settings and waits for the guest's hello. A
// repeated call with the same settings returns the cached result; with
// different settings it panics.
func (q *HostQueue) InitMatch(initial wire.MatchInitial) (Match, error) {
	if q.match != nil {
		if q.match.Initial != initial {
			panic(fmt.Sprintf("lockstep: InitMatch called again with different settings (%+v, was %+v)", initial, q.match.Initial))
		}
		return *q.match, nil
	}
	if q.failed != nil {
		return Match{}, q.failed
	}

	hello := wire.MatchHello{PlayerName: q.name, Initial: &initial, Delay: q.delay}
	if err := q.send(hello); err != nil {
		return Match{}, q.fail(err)
	}
	if err := q.waitFor(q.helloReady); err != nil {
		return Match{}, q.fail(err)
	}
	if q.hello.Initial != nil {
		return Match{}, q.fail(violation("peer %q also sent match settings", q.hello.PlayerName))
	}

	q.match = &Match{RemoteName: q.hello.PlayerName, Initial: initial}
	log.Debug().
		Str("remote_player", q.match.RemoteName).
		Uint8("delay", q.delay).
		Msg("match settings sent")
	return *q.match, nil
}

// InitRound sends the seeds for the coming round
func (q *HostQueue) InitRound(round wire.RoundInitial) error {
	if q.failed != nil {
		return q.failed
	}
	if err := q.send(round); err != nil {
		return q.fail(err)
	}
	log.Debug().Uint64("frame", q.frame).Msg("round seeds sent")
	return nil
}
