package lockstep

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// GuestQueue is the receiving end of a battle link. Its delay always echoes
// the last value the host sent.
type GuestQueue struct {
	battle
}

var _ Receiver = (*GuestQueue)(nil)

// NewGuestQueue creates a new guest queue over link
func NewGuestQueue(link Link, config Config) *GuestQueue {
	return &GuestQueue{
		battle: battle{
			waiter:       newWaiter(link, config),
			name:         config.PlayerName,
			followsDelay: true,
			acceptsRound: true,
		},
	}
}

// InitMatch sends our name and waits for the host's settings
func (q *GuestQueue) InitMatch() (Match, error) {
	if q.match != nil {
		return *q.match, nil
	}
	if q.failed != nil {
		return Match{}, q.failed
	}

	if err := q.send(wire.MatchHello{PlayerName: q.name, Delay: q.delay}); err != nil {
		return Match{}, q.fail(err)
	}
	if err := q.waitFor(q.helloReady); err != nil {
		return Match{}, q.fail(err)
	}
	if q.hello.Initial == nil {
		return Match{}, q.fail(violation("peer %q sent no match settings", q.hello.PlayerName))
	}

	q.match = &Match{RemoteName: q.hello.PlayerName, Initial: *q.hello.Initial}
	log.Debug().
		Str("remote_player", q.match.RemoteName).
		Uint8("delay", q.delay).
		Msg("match settings received")
	return *q.match, nil
}

// InitRound blocks until the host's seeds for this round arrive
func (q *GuestQueue) InitRound() (wire.RoundInitial, error) {
	if q.failed != nil {
		return wire.RoundInitial{}, q.failed
	}
	if err := q.waitFor(q.roundReady); err != nil {
		return wire.RoundInitial{}, q.fail(err)
	}
	round := *q.round
	q.round = nil
	log.Debug().Uint64("frame", q.frame).Msg("round seeds received")
	return round, nil
}
