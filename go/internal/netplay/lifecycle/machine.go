package lifecycle

import (
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/session"
	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// Config holds the settings of a Machine
type Config struct {
	PlayerName string
	Recorder   Recorder
	Clock      clockwork.Clock
}

// DefaultConfig returns a config that records nothing
func DefaultConfig(playerName string) Config {
	return Config{
		PlayerName: playerName,
		Recorder:   NopRecorder{},
		Clock:      clockwork.NewRealClock(),
	}
}

// Machine drives a match through its phases. Every hook runs on the game
// thread; Offer, AttachSpectator, Status and MatchSettings may be called from
// any goroutine.
type Machine struct {
	game     Game
	config   Config
	recorder Recorder
	clock    clockwork.Clock

	phase phase

	offers chan session.Conn
	relays chan *session.Relay
	status atomic.Pointer[Status]
}

// NewMachine creates a new machine in Standby
func NewMachine(game Game, config Config) *Machine {
	m := &Machine{
		game:     game,
		config:   config,
		recorder: config.Recorder,
		clock:    config.Clock,
		phase:    standby{},
		offers:   make(chan session.Conn, 1),
		relays:   make(chan *session.Relay, 4),
	}
	if m.recorder == nil {
		m.recorder = NopRecorder{}
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	m.publish()
	return m
}

// Offer hands a freshly connected session to the machine. It is taken up on
// the next frame hook while in Standby. It returns false when another offer
// is still pending; the caller keeps ownership of conn in that case.
func (m *Machine) Offer(conn session.Conn) bool {
	select {
	case m.offers <- conn:
		return true
	default:
		return false
	}
}

// AttachSpectator offers a relay for the current match. Relays are accepted
// only before the match handshake; later ones are closed.
func (m *Machine) AttachSpectator(relay *session.Relay) bool {
	select {
	case m.relays <- relay:
		return true
	default:
		relay.Close()
		return false
	}
}

// Phase returns the live phase
func (m *Machine) Phase() Phase {
	return m.Status().Phase
}

// Status returns the last published snapshot
func (m *Machine) Status() Status {
	return *m.status.Load()
}

// MatchSettings returns the settings agreed for the current match, if any
func (m *Machine) MatchSettings() (wire.GameSettings, bool) {
	s := m.status.Load()
	if s.Settings == nil {
		return wire.GameSettings{}, false
	}
	return *s.Settings, true
}

// OnInputMenu is called once per frame before OnInputFrame. It synchronizes
// menu input while the difficulty screen is up.
func (m *Machine) OnInputMenu() error {
	p, ok := m.phase.(*selecting)
	if !ok || !p.entered {
		return nil
	}
	screen, ok := m.game.Screen()
	if !ok || screen != ScreenDifficultySelect {
		return nil
	}

	p1, p2, err := p.m.p.exchangeMenu(m.game)
	if err != nil {
		return m.abort(err)
	}
	m.relayInputs(p.m, p1, p2)
	m.publish()
	return nil
}

// OnInputFrame is called once per simulated frame. It advances the phase and
// synchronizes player input where the phase requires it. A returned error
// means the match was aborted and the machine is back in Standby.
func (m *Machine) OnInputFrame() error {
	m.acceptOffer()
	m.acceptRelays()

	var err error
	switch p := m.phase.(type) {
	case standby:
		return nil
	case *preparing:
		err = m.stepPreparing(p)
	case *selecting:
		err = m.stepSelecting(p)
	case *gameLoading:
		err = m.stepGameLoading(p)
	case *inRound:
		err = m.stepInRound(p)
	case *returningToSelect:
		err = m.stepReturningToSelect(p)
	}
	if err != nil {
		return m.abort(err)
	}
	m.publish()
	return nil
}

// OnRoundOver is called when the host process reports the end of a round
func (m *Machine) OnRoundOver() error {
	p, ok := m.phase.(*inRound)
	if !ok {
		return nil
	}
	p.m.rounds++
	if p.m.started {
		m.recorder.RoundFinished(p.m.conn.ID(), p.m.rounds)
	}
	m.transition(&returningToSelect{m: p.m})
	m.publish()
	return nil
}

// EndMatch ends the current match cleanly, as when the player leaves it
func (m *Machine) EndMatch() {
	if _, ok := m.phase.(standby); ok {
		return
	}
	m.finish(EndLocal, nil)
	m.publish()
}

func (m *Machine) acceptOffer() {
	if _, ok := m.phase.(standby); !ok {
		return
	}
	select {
	case conn := <-m.offers:
		p, ok := newParticipant(conn)
		if !ok {
			log.Error().Str("session_id", conn.ID().String()).Msgf("unsupported session type %T", conn)
			conn.Close()
			return
		}
		log.Info().
			Str("session_id", conn.ID().String()).
			Str("role", string(conn.Role())).
			Msg("match accepted")
		m.transition(&preparing{m: &match{p: p, conn: conn}})
	default:
	}
}

func (m *Machine) acceptRelays() {
	for {
		select {
		case relay := <-m.relays:
			p, ok := m.phase.(*preparing)
			if !ok || !p.m.p.canRelay() {
				log.Warn().
					Str("relay_id", relay.ID().String()).
					Str("phase", m.phase.kind().String()).
					Msg("spectator rejected, match already under way")
				relay.Close()
				continue
			}
			p.m.relays = append(p.m.relays, relay)
			log.Info().
				Str("session_id", p.m.conn.ID().String()).
				Str("relay_id", relay.ID().String()).
				Msg("spectator attached")
		default:
			return
		}
	}
}

func (m *Machine) stepPreparing(p *preparing) error {
	screen, ok := m.game.Screen()
	if !ok {
		return nil
	}
	if screen != ScreenDifficultySelect && screen != ScreenCharacterSelect {
		return nil
	}
	next := &selecting{m: p.m}
	m.transition(next)
	return m.stepSelecting(next)
}

func (m *Machine) stepSelecting(p *selecting) error {
	if !p.entered {
		if err := m.enterSelecting(p); err != nil {
			return err
		}
	}
	if p.m.p.quitRequested(m.game) {
		m.finish(EndSpectatorQuit, nil)
		return nil
	}

	screen, ok := m.game.Screen()
	if !ok {
		return nil
	}
	switch screen {
	case ScreenPlayerMatchupSelect:
		m.finish(EndCompleted, nil)
	case ScreenGameLoading:
		m.game.ApplyGameSettings(p.m.initial.Settings)
		m.transition(&gameLoading{m: p.m})
	case ScreenCharacterSelect:
		return m.exchangePlayers(p.m)
	}
	return nil
}

// enterSelecting runs once per entry: the match handshake on the first entry
// of a match, the round handshake on every entry.
func (m *Machine) enterSelecting(p *selecting) error {
	mt := p.m
	m.game.ResetSelection()
	m.game.SetSynchronized(true)

	if !mt.started {
		names, initial, err := mt.p.initMatch(m.game, m.config.PlayerName)
		if err != nil {
			return fmt.Errorf("failed to init match: %w", err)
		}
		mt.names = names
		mt.initial = initial
		mt.started = true

		m.recorder.MatchStarted(MatchInfo{
			SessionID: mt.conn.ID(),
			Role:      mt.conn.Role(),
			P1Name:    names[0],
			P2Name:    names[1],
			Settings:  initial.Settings,
			Delay:     mt.p.delay(),
			StartedAt: m.clock.Now(),
		})
		log.Info().
			Str("session_id", mt.conn.ID().String()).
			Str("p1", names[0]).
			Str("p2", names[1]).
			Uint8("delay", mt.p.delay()).
			Msg("match started")

		m.forEachRelay(mt, func(r *session.Relay) error {
			return r.SendInitial(wire.SpectatorInitial{P1Name: names[0], P2Name: names[1], Match: initial})
		})
	}

	seeds, err := mt.p.initRound(m.game)
	if err != nil {
		return fmt.Errorf("failed to init round %d: %w", mt.rounds+1, err)
	}
	m.forEachRelay(mt, func(r *session.Relay) error {
		return r.SendRound(seeds)
	})

	p.entered = true
	return nil
}

func (m *Machine) stepGameLoading(p *gameLoading) error {
	if _, ok := m.game.Round(); !ok {
		return connected(p.m)
	}
	next := &inRound{m: p.m}
	m.transition(next)
	return m.stepInRound(next)
}

func (m *Machine) stepInRound(p *inRound) error {
	if p.m.p.quitRequested(m.game) {
		m.finish(EndSpectatorQuit, nil)
		return nil
	}
	round, ok := m.game.Round()
	if !ok {
		m.transition(&returningToSelect{m: p.m})
		return nil
	}
	// The first frame of a round runs on null input on every peer without
	// an exchange.
	if round.Frame < 1 {
		m.game.SetPlayerInputs(wire.InputNull, wire.InputNull)
		return nil
	}
	return m.exchangePlayers(p.m)
}

func (m *Machine) stepReturningToSelect(p *returningToSelect) error {
	screen, ok := m.game.Screen()
	if !ok {
		return nil
	}
	switch screen {
	case ScreenPlayerMatchupSelect:
		m.finish(EndCompleted, nil)
	case ScreenCharacterSelect:
		// A peer that finished the match closes its session while this side
		// may still be on the results screens, so a closed session only
		// counts once another round is due.
		if err := connected(p.m); err != nil {
			return err
		}
		next := &selecting{m: p.m}
		m.transition(next)
		return m.stepSelecting(next)
	}
	return nil
}

// connected reports a peer lost under a phase that exchanges nothing
func connected(mt *match) error {
	if mt.p.peerGone() {
		return fmt.Errorf("%w: session %s closed", transport.ErrDisconnected, mt.conn.ID())
	}
	return nil
}

func (m *Machine) exchangePlayers(mt *match) error {
	before := mt.p.delay()
	p1, p2, err := mt.p.exchangePlayers(m.game)
	if err != nil {
		return err
	}
	if after := mt.p.delay(); after != before {
		m.recorder.DelayChanged(mt.conn.ID(), after, mt.p.frame())
	}
	m.relayInputs(mt, p1, p2)
	return nil
}

func (m *Machine) relayInputs(mt *match, p1, p2 wire.Input) {
	m.forEachRelay(mt, func(r *session.Relay) error {
		return r.SendInputs(p1, p2)
	})
}

// forEachRelay detaches any relay whose send fails; the match carries on
func (m *Machine) forEachRelay(mt *match, send func(*session.Relay) error) {
	if len(mt.relays) == 0 {
		return
	}
	kept := mt.relays[:0]
	for _, r := range mt.relays {
		if err := send(r); err != nil {
			log.Warn().
				Err(err).
				Str("session_id", mt.conn.ID().String()).
				Str("relay_id", r.ID().String()).
				Msg("spectator detached")
			r.Close()
			continue
		}
		kept = append(kept, r)
	}
	mt.relays = kept
}

func (m *Machine) transition(next phase) {
	log.Debug().
		Str("from", m.phase.kind().String()).
		Str("to", next.kind().String()).
		Msg("phase changed")
	m.phase = next
}

// abort tears the match down after a fatal error and returns the error for
// the hook to report.
func (m *Machine) abort(err error) error {
	from := m.phase.kind()
	mt := m.phase.match()
	if mt != nil {
		log.Warn().
			Err(err).
			Str("session_id", mt.conn.ID().String()).
			Str("phase", from.String()).
			Msg("match aborted")
	}
	m.finish(EndAborted, err)
	m.publish()
	return fmt.Errorf("match aborted in %s: %w", from, err)
}

// finish releases everything the match owns and returns to Standby
func (m *Machine) finish(reason EndReason, err error) {
	mt := m.phase.match()
	if mt == nil {
		return
	}
	for _, r := range mt.relays {
		r.Close()
	}
	mt.relays = nil
	mt.conn.Close()
	m.game.SetSynchronized(false)

	if mt.started {
		m.recorder.MatchEnded(mt.conn.ID(), reason, err)
	}
	if reason != EndAborted {
		log.Info().
			Str("session_id", mt.conn.ID().String()).
			Str("reason", string(reason)).
			Int("rounds", mt.rounds).
			Msg("match ended")
	}
	m.transition(standby{})
}

func (m *Machine) publish() {
	s := Status{Phase: m.phase.kind()}
	if mt := m.phase.match(); mt != nil {
		s.Role = mt.conn.Role()
		s.SessionID = mt.conn.ID().String()
		s.Delay = mt.p.delay()
		s.Frame = mt.p.frame()
		s.Rounds = mt.rounds
		s.Spectators = len(mt.relays)
		if mt.started {
			settings := mt.initial.Settings
			s.Settings = &settings
			s.P1Name = mt.names[0]
			s.P2Name = mt.names[1]
		}
	}
	m.status.Store(&s)
}
