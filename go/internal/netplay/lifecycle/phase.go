package lifecycle

import (
	"github.com/mcdev12/netplay/go/internal/netplay/session"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// Phase names a lifecycle phase
type Phase int

const (
	PhaseStandby Phase = iota
	PhasePreparing
	PhaseSelecting
	PhaseGameLoading
	PhaseInRound
	PhaseReturningToSelect
)

func (p Phase) String() string {
	switch p {
	case PhaseStandby:
		return "standby"
	case PhasePreparing:
		return "preparing"
	case PhaseSelecting:
		return "selecting"
	case PhaseGameLoading:
		return "game_loading"
	case PhaseInRound:
		return "in_round"
	case PhaseReturningToSelect:
		return "returning_to_select"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the machine, safe to read from any
// goroutine.
type Status struct {
	Phase      Phase
	Role       session.Role
	SessionID  string
	P1Name     string
	P2Name     string
	Settings   *wire.GameSettings
	Delay      uint8
	Frame      uint64
	Rounds     int
	Spectators int
}

// match is everything a match owns. Exactly one phase holds it at a time and
// hands it to the next on transition.
type match struct {
	p    participant
	conn session.Conn

	relays []*session.Relay

	started bool
	names   [2]string
	initial wire.MatchInitial
	rounds  int
}

type phase interface {
	kind() Phase
	match() *match
}

type standby struct{}

type preparing struct{ m *match }

type selecting struct {
	m       *match
	entered bool
}

type gameLoading struct{ m *match }

type inRound struct{ m *match }

type returningToSelect struct{ m *match }

func (standby) kind() Phase            { return PhaseStandby }
func (*preparing) kind() Phase         { return PhasePreparing }
func (*selecting) kind() Phase         { return PhaseSelecting }
func (*gameLoading) kind() Phase       { return PhaseGameLoading }
func (*inRound) kind() Phase           { return PhaseInRound }
func (*returningToSelect) kind() Phase { return PhaseReturningToSelect }

func (standby) match() *match              { return nil }
func (p *preparing) match() *match         { return p.m }
func (p *selecting) match() *match         { return p.m }
func (p *gameLoading) match() *match       { return p.m }
func (p *inRound) match() *match           { return p.m }
func (p *returningToSelect) match() *match { return p.m }
