package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/mcdev12/netplay/go/internal/netplay/lockstep"
	"github.com/mcdev12/netplay/go/internal/netplay/session"
	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

type pair struct{ P1, P2 wire.Input }

type fakeGame struct {
	screen   ScreenID
	screenOK bool
	round    *Round
	local    wire.Input
	menu     wire.Input
	settings wire.GameSettings
	seeds    wire.RoundInitial

	players      []pair
	menus        []wire.Input
	applied      *wire.GameSettings
	resets       int
	synchronized bool
}

func newFakeGame() *fakeGame {
	return &fakeGame{screen: ScreenTitle, screenOK: true}
}

func (g *fakeGame) Screen() (ScreenID, bool) { return g.screen, g.screenOK }

func (g *fakeGame) Round() (Round, bool) {
	if g.round == nil {
		return Round{}, false
	}
	return *g.round, true
}

func (g *fakeGame) LocalInput() wire.Input          { return g.local }
func (g *fakeGame) MenuInput() wire.Input           { return g.menu }
func (g *fakeGame) RequestedDelay() (uint8, bool)   { return 0, false }
func (g *fakeGame) GameSettings() wire.GameSettings { return g.settings }
func (g *fakeGame) Seeds() wire.RoundInitial        { return g.seeds }

func (g *fakeGame) SetPlayerInputs(p1, p2 wire.Input) { g.players = append(g.players, pair{p1, p2}) }
func (g *fakeGame) SetMenuInput(input wire.Input)     { g.menus = append(g.menus, input) }
func (g *fakeGame) SetSeeds(round wire.RoundInitial)  { g.seeds = round }
func (g *fakeGame) ApplyGameSettings(s wire.GameSettings) {
	g.applied = &s
}
func (g *fakeGame) ResetSelection()         { g.resets++ }
func (g *fakeGame) SetSynchronized(on bool) { g.synchronized = on }

type event struct {
	Kind   string
	Reason EndReason
	Round  int
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []event
}

func (r *fakeRecorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *fakeRecorder) MatchStarted(MatchInfo)                { r.add(event{Kind: "started"}) }
func (r *fakeRecorder) DelayChanged(uuid.UUID, uint8, uint64) { r.add(event{Kind: "delay"}) }
func (r *fakeRecorder) RoundFinished(_ uuid.UUID, round int) {
	r.add(event{Kind: "round", Round: round})
}
func (r *fakeRecorder) MatchEnded(_ uuid.UUID, reason EndReason, _ error) {
	r.add(event{Kind: "ended", Reason: reason})
}

func newMachine(game Game) (*Machine, *fakeRecorder) {
	rec := &fakeRecorder{}
	cfg := DefaultConfig("host")
	cfg.Recorder = rec
	return NewMachine(game, cfg), rec
}

// guestScript plays the remote side of a match on its own goroutine
func guestScript(t *testing.T, guest *session.Guest, steps ...func(*session.Guest) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		for _, step := range steps {
			if err := step(guest); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func initMatch(g *session.Guest) error { _, err := g.InitMatch(); return err }
func initRound(g *session.Guest) error { _, err := g.InitRound(); return err }

func exchange(in wire.Input) func(*session.Guest) error {
	return func(g *session.Guest) error {
		_, err := g.EnqueueAndDequeue(in)
		return err
	}
}

func awaitErr(t *testing.T, ch <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(within):
		t.Fatalf("no result within %v", within)
		return nil
	}
}

func mustStep(t *testing.T, hook func() error) {
	t.Helper()
	if err := hook(); err != nil {
		t.Fatalf("hook: %v", err)
	}
}

func TestHostMachineRunsMatch(t *testing.T) {
	game := newFakeGame()
	game.settings = wire.GameSettings{Common: 4, P1: 5, P2: 6}
	game.seeds = wire.RoundInitial{Seeds: [wire.SeedCount]uint16{1, 2}}
	machine, rec := newMachine(game)

	a, b := transport.Pipe()
	host := session.NewHost(a, lockstep.DefaultConfig("host"))
	guest := session.NewGuest(b, lockstep.DefaultConfig("guest"))
	defer guest.Close()

	if _, ok := machine.MatchSettings(); ok {
		t.Error("no settings expected in standby")
	}
	if !machine.Offer(host) {
		t.Fatal("offer rejected")
	}
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhasePreparing {
		t.Fatalf("phase = %s, want preparing", got)
	}

	remote := guestScript(t, guest,
		initMatch, initRound,
		exchange(wire.InputBomb), exchange(wire.InputLeft),
		initRound,
		exchange(wire.InputRight),
	)

	game.local = wire.InputShot
	game.screen = ScreenCharacterSelect
	mustStep(t, machine.OnInputMenu)
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseSelecting {
		t.Fatalf("phase = %s, want selecting", got)
	}
	if !game.synchronized || game.resets != 1 {
		t.Errorf("synchronized=%v resets=%d after entering selection", game.synchronized, game.resets)
	}
	if s, ok := machine.MatchSettings(); !ok || s != game.settings {
		t.Errorf("MatchSettings = %+v, %v", s, ok)
	}

	game.screen = ScreenGameLoading
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseGameLoading {
		t.Fatalf("phase = %s, want game_loading", got)
	}
	if game.applied == nil || *game.applied != game.settings {
		t.Errorf("settings applied = %+v", game.applied)
	}

	game.screen = ScreenInGame
	game.round = &Round{Frame: 0}
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseInRound {
		t.Fatalf("phase = %s, want in_round", got)
	}

	game.round = &Round{Frame: 1}
	game.local = wire.InputUp
	mustStep(t, machine.OnInputFrame)
	mustStep(t, machine.OnRoundOver)
	if got := machine.Phase(); got != PhaseReturningToSelect {
		t.Fatalf("phase = %s, want returning_to_select", got)
	}

	game.round = nil
	game.screen = ScreenCharacterSelect
	game.local = wire.InputDown
	mustStep(t, machine.OnInputFrame)
	if game.resets != 2 {
		t.Errorf("resets = %d, want 2", game.resets)
	}

	if err := awaitErr(t, remote, 2*time.Second); err != nil {
		t.Fatalf("guest: %v", err)
	}

	game.screen = ScreenPlayerMatchupSelect
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseStandby {
		t.Fatalf("phase = %s, want standby", got)
	}
	if game.synchronized {
		t.Error("game should be released after the match")
	}

	n := wire.InputNull
	wantPlayers := []pair{
		{n, n},                           // selection, delay 1
		{n, n},                           // round frame 0, no exchange
		{wire.InputShot, wire.InputBomb}, // round frame 1
		{wire.InputUp, wire.InputLeft},   // back at selection
	}
	if diff := cmp.Diff(wantPlayers, game.players); diff != "" {
		t.Errorf("player inputs (-want +got):\n%s", diff)
	}
	wantEvents := []event{
		{Kind: "started"},
		{Kind: "round", Round: 1},
		{Kind: "ended", Reason: EndCompleted},
	}
	if diff := cmp.Diff(wantEvents, rec.events); diff != "" {
		t.Errorf("recorded events (-want +got):\n%s", diff)
	}
}

func TestMachineAbortsOnDisconnect(t *testing.T) {
	game := newFakeGame()
	machine, rec := newMachine(game)

	a, b := transport.Pipe()
	guest := session.NewGuest(b, lockstep.DefaultConfig("guest"))
	machine.Offer(session.NewHost(a, lockstep.DefaultConfig("host")))
	mustStep(t, machine.OnInputFrame)

	remote := guestScript(t, guest, initMatch, initRound, func(g *session.Guest) error { return g.Close() })

	game.screen = ScreenCharacterSelect
	err := machine.OnInputFrame()
	if !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("OnInputFrame = %v, want ErrDisconnected", err)
	}
	if awaitErr(t, remote, time.Second) != nil {
		t.Fatal("guest script failed")
	}

	if got := machine.Phase(); got != PhaseStandby {
		t.Errorf("phase = %s, want standby", got)
	}
	if game.synchronized {
		t.Error("game should be released after abort")
	}
	if _, ok := machine.MatchSettings(); ok {
		t.Error("no settings expected after abort")
	}
	if err := machine.OnInputFrame(); err != nil {
		t.Errorf("standby hook = %v, want nil", err)
	}
	if last := rec.events[len(rec.events)-1]; last.Kind != "ended" || last.Reason != EndAborted {
		t.Errorf("last event = %+v, want aborted", last)
	}
}

func TestObservationGapIsRetried(t *testing.T) {
	game := newFakeGame()
	machine, _ := newMachine(game)

	a, _ := transport.Pipe()
	machine.Offer(session.NewHost(a, lockstep.DefaultConfig("host")))
	mustStep(t, machine.OnInputFrame)

	game.screen = ScreenCharacterSelect
	game.screenOK = false
	for i := 0; i < 3; i++ {
		mustStep(t, machine.OnInputFrame)
	}
	if got := machine.Phase(); got != PhasePreparing {
		t.Errorf("phase = %s, want preparing while the screen is unknown", got)
	}
	machine.EndMatch()
	if got := machine.Phase(); got != PhaseStandby {
		t.Errorf("phase after EndMatch = %s", got)
	}
}

func TestLateSpectatorIsRejected(t *testing.T) {
	game := newFakeGame()
	machine, _ := newMachine(game)

	a, b := transport.Pipe()
	guest := session.NewGuest(b, lockstep.DefaultConfig("guest"))
	defer guest.Close()
	machine.Offer(session.NewHost(a, lockstep.DefaultConfig("host")))
	mustStep(t, machine.OnInputFrame)

	remote := guestScript(t, guest, initMatch, initRound, exchange(wire.InputNull))
	game.screen = ScreenCharacterSelect
	mustStep(t, machine.OnInputFrame)
	if err := awaitErr(t, remote, time.Second); err != nil {
		t.Fatalf("guest: %v", err)
	}

	c, d := transport.Pipe()
	machine.AttachSpectator(session.NewRelay(c))
	game.screen = ScreenDifficultySelect
	mustStep(t, machine.OnInputFrame)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Recv(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("spectator end = %v, want ErrClosed", err)
	}
	if got := machine.Status().Spectators; got != 0 {
		t.Errorf("spectators = %d, want 0", got)
	}
}

func TestSpectatorMachine(t *testing.T) {
	game := newFakeGame()
	machine, rec := newMachine(game)

	a, b := transport.Pipe()
	relay := session.NewRelay(a)
	defer relay.Close()
	if !machine.Offer(session.NewSpectator(b, lockstep.DefaultConfig("watcher"))) {
		t.Fatal("offer rejected")
	}

	settings := wire.GameSettings{Common: 8}
	seeds := wire.RoundInitial{Seeds: [wire.SeedCount]uint16{9, 9}}
	relay.SendInitial(wire.SpectatorInitial{P1Name: "p1", P2Name: "p2", Match: wire.MatchInitial{Settings: settings}})
	relay.SendRound(seeds)
	relay.SendInputs(wire.InputShot, wire.InputNull)
	relay.SendInputs(wire.InputLeft, wire.InputRight)

	mustStep(t, machine.OnInputFrame)
	game.screen = ScreenDifficultySelect
	mustStep(t, machine.OnInputMenu)
	mustStep(t, machine.OnInputFrame)
	mustStep(t, machine.OnInputMenu)

	game.screen = ScreenCharacterSelect
	mustStep(t, machine.OnInputMenu)
	mustStep(t, machine.OnInputFrame)

	if game.seeds != seeds {
		t.Errorf("seeds = %v, want relayed %v", game.seeds, seeds)
	}
	if diff := cmp.Diff([]wire.Input{wire.InputShot}, game.menus); diff != "" {
		t.Errorf("menu inputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]pair{{wire.InputLeft, wire.InputRight}}, game.players); diff != "" {
		t.Errorf("player inputs (-want +got):\n%s", diff)
	}
	status := machine.Status()
	if status.P1Name != "p1" || status.P2Name != "p2" || status.Role != session.RoleSpectator {
		t.Errorf("status = %+v", status)
	}

	game.local = wire.InputStart
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseStandby {
		t.Fatalf("phase = %s, want standby after START", got)
	}
	if last := rec.events[len(rec.events)-1]; last.Reason != EndSpectatorQuit {
		t.Errorf("last event = %+v, want spectator quit", last)
	}
}

func TestOfferWhilePending(t *testing.T) {
	machine, _ := newMachine(newFakeGame())
	a, b := transport.Pipe()
	first := session.NewHost(a, lockstep.DefaultConfig("host"))
	second := session.NewGuest(b, lockstep.DefaultConfig("guest"))
	defer second.Close()

	if !machine.Offer(first) {
		t.Fatal("first offer rejected")
	}
	if machine.Offer(second) {
		t.Error("second offer should be rejected while the first is pending")
	}
}

// startLoading plays a match up to the loading screen
func startLoading(t *testing.T, game *fakeGame, machine *Machine) (*session.Host, *session.Guest) {
	t.Helper()
	a, b := transport.Pipe()
	host := session.NewHost(a, lockstep.DefaultConfig("host"))
	guest := session.NewGuest(b, lockstep.DefaultConfig("guest"))
	machine.Offer(host)
	mustStep(t, machine.OnInputFrame)

	remote := guestScript(t, guest, initMatch, initRound, exchange(wire.InputNull))
	game.screen = ScreenCharacterSelect
	mustStep(t, machine.OnInputFrame)
	if err := awaitErr(t, remote, time.Second); err != nil {
		t.Fatalf("guest: %v", err)
	}

	game.screen = ScreenGameLoading
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseGameLoading {
		t.Fatalf("phase = %s, want game_loading", got)
	}
	return host, guest
}

func hangUp(t *testing.T, host *session.Host, guest *session.Guest) {
	t.Helper()
	guest.Close()
	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("host never saw the guest leave")
	}
}

func TestGameLoadingNoticesDisconnect(t *testing.T) {
	game := newFakeGame()
	machine, rec := newMachine(game)
	host, guest := startLoading(t, game, machine)
	hangUp(t, host, guest)

	err := machine.OnInputFrame()
	if !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("OnInputFrame = %v, want ErrDisconnected", err)
	}
	if got := machine.Phase(); got != PhaseStandby {
		t.Errorf("phase = %s, want standby", got)
	}
	if last := rec.events[len(rec.events)-1]; last.Reason != EndAborted {
		t.Errorf("last event = %+v, want aborted", last)
	}
}

func TestReturningToSelectWaitsForNextRound(t *testing.T) {
	game := newFakeGame()
	machine, rec := newMachine(game)
	host, guest := startLoading(t, game, machine)

	game.screen = ScreenInGame
	game.round = &Round{Frame: 0}
	mustStep(t, machine.OnInputFrame)
	mustStep(t, machine.OnRoundOver)
	game.round = nil
	hangUp(t, host, guest)

	// Still on the results screen: the peer may have finished the match.
	mustStep(t, machine.OnInputFrame)
	if got := machine.Phase(); got != PhaseReturningToSelect {
		t.Fatalf("phase = %s, want returning_to_select", got)
	}

	game.screen = ScreenCharacterSelect
	err := machine.OnInputFrame()
	if !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("OnInputFrame = %v, want ErrDisconnected", err)
	}
	if game.resets != 1 {
		t.Errorf("resets = %d, want no second round handshake", game.resets)
	}
	wantEvents := []event{
		{Kind: "started"},
		{Kind: "round", Round: 1},
		{Kind: "ended", Reason: EndAborted},
	}
	if diff := cmp.Diff(wantEvents, rec.events); diff != "" {
		t.Errorf("recorded events (-want +got):\n%s", diff)
	}
}
