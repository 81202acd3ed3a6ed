package lockstep

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// SpectatorQueue is the read-only end of a relay link. It never sends; its
// local contribution to every frame is implicitly null.
type SpectatorQueue struct {
	waiter
	frame uint64

	initial *wire.SpectatorInitial
	round   *wire.RoundInitial
	inputs  []wire.SpectatorInputs
}

// NewSpectatorQueue creates a new spectator queue over link
func NewSpectatorQueue(link Link, config Config) *SpectatorQueue {
	return &SpectatorQueue{waiter: newWaiter(link, config)}
}

func (q *SpectatorQueue) Frame() uint64 {
	return q.frame
}

// InitMatch waits for the players' names and match settings
func (q *SpectatorQueue) InitMatch() (wire.SpectatorInitial, error) {
	if err := q.waitFor(func() bool { return q.initial != nil }); err != nil {
		return wire.SpectatorInitial{}, q.fail(err)
	}
	return *q.initial, nil
}

// InitRound waits for the seeds of the coming round
func (q *SpectatorQueue) InitRound() (wire.RoundInitial, error) {
	if err := q.waitFor(func() bool { return q.round != nil }); err != nil {
		return wire.RoundInitial{}, q.fail(err)
	}
	round := *q.round
	q.round = nil
	return round, nil
}

// EnqueueAndDequeue blocks until the next resolved frame arrives
func (q *SpectatorQueue) EnqueueAndDequeue() (wire.SpectatorInputs, error) {
	if err := q.waitFor(func() bool { return len(q.inputs) > 0 }); err != nil {
		return wire.SpectatorInputs{}, q.fail(err)
	}
	inputs := q.inputs[0]
	q.inputs = q.inputs[1:]
	q.frame++

	log.Trace().Uint64("frame", q.frame).Int("backlog", len(q.inputs)).Msg("spectator inputs consumed")
	return inputs, nil
}

func (q *SpectatorQueue) waitFor(ready func() bool) error {
	if q.failed != nil {
		return q.failed
	}
	for !ready() {
		msg, err := q.next()
		if err != nil {
			return err
		}
		if err := q.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (q *SpectatorQueue) dispatch(msg wire.Message) error {
	switch m := msg.(type) {
	case wire.SpectatorInitial:
		if q.initial != nil {
			return violation("duplicate spectator initial")
		}
		q.initial = &m
	case wire.RoundInitial:
		if q.round != nil {
			return violation("round seeds received before the previous round consumed them")
		}
		q.round = &m
	case wire.SpectatorInputs:
		q.inputs = append(q.inputs, m)
	default:
		return violation("unexpected %s on a spectator link", msg.Kind())
	}
	return nil
}
