// Package sim is a small deterministic stand-in for the host game process.
// Given the same synchronized inputs and seeds, two instances walk through
// identical states, which Hash summarizes.
package sim

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math/rand/v2"

	"github.com/mcdev12/netplay/go/internal/netplay/lifecycle"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

const (
	characterCount  = 8
	difficultyCount = 4
)

// Options configures a Game
type Options struct {
	// Settings are the local rules; a guest's are replaced by the host's.
	Settings wire.GameSettings
	// Entropy seeds the local source of round seeds
	Entropy uint64
	// LoadingTicks is how long the loading screen stays up
	LoadingTicks int
}

// DefaultOptions returns options for a short match
func DefaultOptions() Options {
	return Options{
		Settings:     wire.GameSettings{Common: 10, P1: 1},
		Entropy:      1,
		LoadingTicks: 3,
	}
}

// RoundLength is the number of frames a round lasts under s
func RoundLength(s wire.GameSettings) uint32 {
	return 20 + s.Common%40
}

// MaxRounds is the number of rounds a match lasts under s
func MaxRounds(s wire.GameSettings) int {
	return 1 + int(s.P1%3)
}

type roundState struct {
	frame  uint32
	length uint32
}

// Game implements lifecycle.Game. It is not safe for concurrent use; drive
// it from a single goroutine.
type Game struct {
	options Options

	screen      lifecycle.ScreenID
	screenTicks int

	synchronized bool
	device       wire.Input
	applied      struct{ p1, p2, menu wire.Input }

	requestedDelay uint8
	delayRequested bool

	settings wire.GameSettings
	seeds    wire.RoundInitial
	entropy  *rand.Rand

	difficulty int
	characters [2]int
	ready      [2]bool

	rng       uint32
	round     *roundState
	rounds    int
	roundOver bool

	hash        hash.Hash64
	syncedTicks int
}

var _ lifecycle.Game = (*Game)(nil)

// NewGame creates a new game sitting on the title screen
func NewGame(options Options) *Game {
	g := &Game{
		options:  options,
		screen:   lifecycle.ScreenTitle,
		settings: options.Settings,
		entropy:  rand.New(rand.NewPCG(options.Entropy, options.Entropy^0x9e3779b97f4a7c15)),
		hash:     fnv.New64a(),
	}
	g.rollSeeds()
	return g
}

func (g *Game) Screen() (lifecycle.ScreenID, bool) {
	return g.screen, true
}

func (g *Game) Round() (lifecycle.Round, bool) {
	if g.screen != lifecycle.ScreenInGame || g.round == nil {
		return lifecycle.Round{}, false
	}
	return lifecycle.Round{Frame: g.round.frame}, true
}

func (g *Game) LocalInput() wire.Input { return g.device }
func (g *Game) MenuInput() wire.Input  { return g.device }

func (g *Game) RequestedDelay() (uint8, bool) {
	return g.requestedDelay, g.delayRequested
}

func (g *Game) GameSettings() wire.GameSettings { return g.settings }
func (g *Game) Seeds() wire.RoundInitial        { return g.seeds }

func (g *Game) SetPlayerInputs(p1, p2 wire.Input) {
	g.applied.p1 = p1
	g.applied.p2 = p2
}

func (g *Game) SetMenuInput(input wire.Input)                { g.applied.menu = input }
func (g *Game) SetSeeds(round wire.RoundInitial)             { g.seeds = round }
func (g *Game) ApplyGameSettings(settings wire.GameSettings) { g.settings = settings }
func (g *Game) SetSynchronized(on bool)                      { g.synchronized = on }

func (g *Game) ResetSelection() {
	g.difficulty = 0
	g.characters = [2]int{}
	g.ready = [2]bool{}
	g.screenTicks = 0
}

// SetLocalInput latches the local controller state for the next tick
func (g *Game) SetLocalInput(input wire.Input) {
	g.device = input
}

// RequestDelay records the delay the local player asks for
func (g *Game) RequestDelay(delay uint8) {
	g.requestedDelay = delay
	g.delayRequested = true
}

// RoundOver reports whether the last Advance finished a round
func (g *Game) RoundOver() bool {
	return g.roundOver
}

// Rounds returns the number of rounds played since the game started
func (g *Game) Rounds() int {
	return g.rounds
}

// Synchronized reports whether input currently comes from the machine
func (g *Game) Synchronized() bool {
	return g.synchronized
}

// Hash summarizes every synchronized tick so far
func (g *Game) Hash() uint64 {
	return g.hash.Sum64()
}

// SyncedTicks returns how many ticks ran on synchronized input
func (g *Game) SyncedTicks() int {
	return g.syncedTicks
}

// Advance simulates one tick. While synchronized, only input handed over by
// the machine during this tick is seen; unsynchronized play reads the local
// controller as player one.
func (g *Game) Advance() {
	p1, p2, menu := g.device, wire.InputNull, g.device
	if g.synchronized {
		p1, p2, menu = g.applied.p1, g.applied.p2, g.applied.menu
	}
	g.applied.p1, g.applied.p2, g.applied.menu = 0, 0, 0
	g.roundOver = false

	switch g.screen {
	case lifecycle.ScreenTitle:
		if menu.Has(wire.InputStart) {
			g.setScreen(lifecycle.ScreenDifficultySelect)
		}
	case lifecycle.ScreenDifficultySelect:
		g.selectDifficulty(menu)
	case lifecycle.ScreenCharacterSelect:
		g.selectCharacters(p1, p2)
	case lifecycle.ScreenGameLoading:
		if g.screenTicks >= g.options.LoadingTicks {
			g.startRound()
		}
	case lifecycle.ScreenInGame:
		g.stepRound(p1, p2)
	}

	if g.synchronized {
		g.record(p1, p2, menu)
	}
	g.screenTicks++
}

func (g *Game) setScreen(screen lifecycle.ScreenID) {
	g.screen = screen
	g.screenTicks = 0
}

func (g *Game) selectDifficulty(menu wire.Input) {
	switch {
	case menu.Has(wire.InputShot):
		g.setScreen(lifecycle.ScreenCharacterSelect)
	case menu.Has(wire.InputLeft):
		g.difficulty = (g.difficulty + difficultyCount - 1) % difficultyCount
	case menu.Has(wire.InputRight):
		g.difficulty = (g.difficulty + 1) % difficultyCount
	}
}

func (g *Game) selectCharacters(p1, p2 wire.Input) {
	for i, in := range [2]wire.Input{p1, p2} {
		if g.ready[i] {
			if in.Has(wire.InputBomb) {
				g.ready[i] = false
			}
			continue
		}
		switch {
		case in.Has(wire.InputShot):
			g.ready[i] = true
		case in.Has(wire.InputLeft):
			g.characters[i] = (g.characters[i] + characterCount - 1) % characterCount
		case in.Has(wire.InputRight):
			g.characters[i] = (g.characters[i] + 1) % characterCount
		}
	}
	if g.ready[0] && g.ready[1] {
		g.setScreen(lifecycle.ScreenGameLoading)
	}
}

func (g *Game) startRound() {
	state := uint32(0x811c9dc5)
	for _, s := range g.seeds.Seeds {
		state = (state ^ uint32(s)) * 0x01000193
	}
	if state == 0 {
		state = 1
	}
	g.rng = state
	g.round = &roundState{length: RoundLength(g.settings)}
	g.setScreen(lifecycle.ScreenInGame)
}

func (g *Game) stepRound(p1, p2 wire.Input) {
	g.rng ^= uint32(p1)<<16 | uint32(p2)
	g.rng = xorshift32(g.rng)
	g.round.frame++
	if g.round.frame < g.round.length {
		return
	}

	g.round = nil
	g.rounds++
	g.roundOver = true
	g.ready = [2]bool{}
	g.rollSeeds()
	if g.rounds%MaxRounds(g.settings) == 0 {
		g.setScreen(lifecycle.ScreenPlayerMatchupSelect)
	} else {
		g.setScreen(lifecycle.ScreenCharacterSelect)
	}
}

func (g *Game) rollSeeds() {
	for i := range g.seeds.Seeds {
		g.seeds.Seeds[i] = uint16(g.entropy.Uint32())
	}
}

func (g *Game) record(p1, p2, menu wire.Input) {
	var buf [40]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(g.screen))
	binary.LittleEndian.PutUint16(buf[4:], uint16(p1))
	binary.LittleEndian.PutUint16(buf[6:], uint16(p2))
	binary.LittleEndian.PutUint16(buf[8:], uint16(menu))
	binary.LittleEndian.PutUint32(buf[10:], g.rng)
	binary.LittleEndian.PutUint32(buf[14:], uint32(g.difficulty))
	binary.LittleEndian.PutUint32(buf[18:], uint32(g.characters[0]))
	binary.LittleEndian.PutUint32(buf[22:], uint32(g.characters[1]))
	if g.round != nil {
		binary.LittleEndian.PutUint32(buf[26:], g.round.frame)
	}
	binary.LittleEndian.PutUint32(buf[30:], uint32(g.screenTicks))
	binary.LittleEndian.PutUint16(buf[34:], uint16(g.rounds))
	g.hash.Write(buf[:])
	g.syncedTicks++
}

func xorshift32(x uint32) uint32 {
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	return x
}
