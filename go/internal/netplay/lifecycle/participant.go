package lifecycle

import (
	"github.com/mcdev12/netplay/go/internal/netplay/session"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// participant adapts one kind of session to the phase logic. The adapter is
// picked once when a connection is accepted, so phase code never branches on
// the role.
type participant interface {
	conn() session.Conn
	// initMatch runs the match handshake and returns the agreed names and
	// settings in player order.
	initMatch(g Game, localName string) (names [2]string, initial wire.MatchInitial, err error)
	// initRound agrees on this round's seeds and applies them
	initRound(g Game) (wire.RoundInitial, error)
	// exchangeMenu synchronizes one frame of menu input and applies it
	exchangeMenu(g Game) (p1, p2 wire.Input, err error)
	// exchangePlayers synchronizes one frame of player input and applies it
	exchangePlayers(g Game) (p1, p2 wire.Input, err error)
	delay() uint8
	frame() uint64
	// canRelay reports whether spectators may be attached
	canRelay() bool
	quitRequested(g Game) bool
	// peerGone reports without blocking that the peer has left and nothing
	// it sent remains to be played back
	peerGone() bool
}

func closed(c session.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

type hostRole struct {
	s *session.Host
}

func (r hostRole) conn() session.Conn { return r.s }
func (r hostRole) delay() uint8       { return r.s.Delay() }
func (r hostRole) frame() uint64      { return r.s.Frame() }
func (r hostRole) canRelay() bool     { return true }
func (hostRole) quitRequested(Game) bool {
	return false
}
func (r hostRole) peerGone() bool { return closed(r.s) }

func (r hostRole) initMatch(g Game, localName string) ([2]string, wire.MatchInitial, error) {
	m, err := r.s.InitMatch(wire.MatchInitial{Settings: g.GameSettings()})
	if err != nil {
		return [2]string{}, wire.MatchInitial{}, err
	}
	return [2]string{localName, m.RemoteName}, m.Initial, nil
}

func (r hostRole) initRound(g Game) (wire.RoundInitial, error) {
	seeds := g.Seeds()
	if err := r.s.InitRound(seeds); err != nil {
		return wire.RoundInitial{}, err
	}
	return seeds, nil
}

func (r hostRole) exchangeMenu(g Game) (wire.Input, wire.Input, error) {
	in, err := r.s.EnqueueAndDequeue(g.MenuInput())
	if err != nil {
		return 0, 0, err
	}
	g.SetMenuInput(in.Local)
	return in.Local, wire.InputNull, nil
}

func (r hostRole) exchangePlayers(g Game) (wire.Input, wire.Input, error) {
	if d, ok := g.RequestedDelay(); ok {
		r.s.SetDelay(d)
	}
	in, err := r.s.EnqueueAndDequeue(g.LocalInput())
	if err != nil {
		return 0, 0, err
	}
	g.SetPlayerInputs(in.Local, in.Remote)
	return in.Local, in.Remote, nil
}

type guestRole struct {
	s *session.Guest
}

func (r guestRole) conn() session.Conn { return r.s }
func (r guestRole) delay() uint8       { return r.s.Delay() }
func (r guestRole) frame() uint64      { return r.s.Frame() }
func (r guestRole) canRelay() bool     { return true }
func (guestRole) quitRequested(Game) bool {
	return false
}
func (r guestRole) peerGone() bool { return closed(r.s) }

func (r guestRole) initMatch(_ Game, localName string) ([2]string, wire.MatchInitial, error) {
	m, err := r.s.InitMatch()
	if err != nil {
		return [2]string{}, wire.MatchInitial{}, err
	}
	return [2]string{m.RemoteName, localName}, m.Initial, nil
}

func (r guestRole) initRound(g Game) (wire.RoundInitial, error) {
	seeds, err := r.s.InitRound()
	if err != nil {
		return wire.RoundInitial{}, err
	}
	g.SetSeeds(seeds)
	return seeds, nil
}

// The guest never drives menus; its contribution is null.
func (r guestRole) exchangeMenu(g Game) (wire.Input, wire.Input, error) {
	in, err := r.s.EnqueueAndDequeue(wire.InputNull)
	if err != nil {
		return 0, 0, err
	}
	g.SetMenuInput(in.Remote)
	return in.Remote, wire.InputNull, nil
}

func (r guestRole) exchangePlayers(g Game) (wire.Input, wire.Input, error) {
	in, err := r.s.EnqueueAndDequeue(g.LocalInput())
	if err != nil {
		return 0, 0, err
	}
	g.SetPlayerInputs(in.Remote, in.Local)
	return in.Remote, in.Local, nil
}

type spectatorRole struct {
	s *session.Spectator
}

func (r spectatorRole) conn() session.Conn { return r.s }
func (spectatorRole) delay() uint8         { return 0 }
func (r spectatorRole) frame() uint64      { return r.s.Frame() }
func (spectatorRole) canRelay() bool       { return false }

func (spectatorRole) quitRequested(g Game) bool {
	return g.LocalInput().Has(wire.InputStart)
}

// A relay may close while frames are still buffered; the queue reports the
// end once they have been played.
func (spectatorRole) peerGone() bool { return false }

func (r spectatorRole) initMatch(Game, string) ([2]string, wire.MatchInitial, error) {
	initial, err := r.s.InitMatch()
	if err != nil {
		return [2]string{}, wire.MatchInitial{}, err
	}
	return [2]string{initial.P1Name, initial.P2Name}, initial.Match, nil
}

func (r spectatorRole) initRound(g Game) (wire.RoundInitial, error) {
	seeds, err := r.s.InitRound()
	if err != nil {
		return wire.RoundInitial{}, err
	}
	g.SetSeeds(seeds)
	return seeds, nil
}

func (r spectatorRole) exchangeMenu(g Game) (wire.Input, wire.Input, error) {
	in, err := r.s.EnqueueAndDequeue()
	if err != nil {
		return 0, 0, err
	}
	g.SetMenuInput(in.P1)
	return in.P1, in.P2, nil
}

func (r spectatorRole) exchangePlayers(g Game) (wire.Input, wire.Input, error) {
	in, err := r.s.EnqueueAndDequeue()
	if err != nil {
		return 0, 0, err
	}
	g.SetPlayerInputs(in.P1, in.P2)
	return in.P1, in.P2, nil
}

func newParticipant(conn session.Conn) (participant, bool) {
	switch c := conn.(type) {
	case *session.Host:
		return hostRole{s: c}, true
	case *session.Guest:
		return guestRole{s: c}, true
	case *session.Spectator:
		return spectatorRole{s: c}, true
	default:
		return nil, false
	}
}
