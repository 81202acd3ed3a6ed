package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// Relay forwards a match to one spectator. Sends never wait on the network;
// a spectator that falls too far behind surfaces as ErrBacklog and should be
// detached.
type Relay struct {
	id   uuid.UUID
	link *transport.Bridge[wire.Message]

	closeOnce sync.Once
}

// NewRelay creates a new relay that owns ch
func NewRelay(ch transport.Channel) *Relay {
	id := uuid.New()
	cfg := transport.DefaultBridgeConfig("relay/" + id.String())
	cfg.OutgoingBuffer = 8192
	cfg.IncomingBuffer = 1

	log.Info().Str("relay_id", id.String()).Msg("spectator relay opened")
	return &Relay{
		id:   id,
		link: transport.NewBridge(ch, wire.Encode, wire.Decode, cfg),
	}
}

func (r *Relay) ID() uuid.UUID {
	return r.id
}

// SendInitial announces the players and the agreed settings
func (r *Relay) SendInitial(initial wire.SpectatorInitial) error {
	return r.send(initial)
}

// SendRound forwards the seeds of the coming round
func (r *Relay) SendRound(round wire.RoundInitial) error {
	return r.send(round)
}

// SendInputs forwards one resolved frame in player order
func (r *Relay) SendInputs(p1, p2 wire.Input) error {
	return r.send(wire.SpectatorInputs{P1: p1, P2: p2})
}

func (r *Relay) send(msg wire.Message) error {
	if err := r.link.Send(msg); err != nil {
		return fmt.Errorf("failed to relay %s: %w", msg.Kind(), err)
	}
	return nil
}

// Close flushes what was already relayed and releases the transport
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.link.Close()
		log.Info().Str("relay_id", r.id.String()).Msg("spectator relay closed")
	})
	return err
}
