package lockstep

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

func newLink(ch transport.Channel, name string) *transport.Bridge[wire.Message] {
	return transport.NewBridge(ch, wire.Encode, wire.Decode, transport.DefaultBridgeConfig(name))
}

func newPair(t *testing.T, hostCfg, guestCfg Config) (*HostQueue, *GuestQueue, *transport.Bridge[wire.Message], *transport.Bridge[wire.Message]) {
	t.Helper()
	a, b := transport.Pipe()
	hostLink := newLink(a, "host")
	guestLink := newLink(b, "guest")
	t.Cleanup(func() {
		hostLink.Close()
		guestLink.Close()
	})
	return NewHostQueue(hostLink, hostCfg), NewGuestQueue(guestLink, guestCfg), hostLink, guestLink
}

type result[T any] struct {
	value T
	err   error
}

// async runs fn on its own goroutine, standing in for the remote game thread
func async[T any](fn func() (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{v, err}
	}()
	return ch
}

func await[T any](t *testing.T, ch <-chan result[T], within time.Duration) (T, error) {
	t.Helper()
	select {
	case r := <-ch:
		return r.value, r.err
	case <-time.After(within):
		t.Fatalf("no result within %v", within)
		var zero T
		return zero, nil
	}
}

func exchangeAll(q Exchanger, inputs []wire.Input, before func(i int)) ([]Inputs, error) {
	var out []Inputs
	for i, in := range inputs {
		if before != nil {
			before(i)
		}
		got, err := q.EnqueueAndDequeue(in)
		if err != nil {
			return out, err
		}
		out = append(out, got)
	}
	return out, nil
}

func TestScenarioDelayTwo(t *testing.T) {
	hostCfg := DefaultConfig("host")
	hostCfg.Delay = 2
	host, guest, _, _ := newPair(t, hostCfg, DefaultConfig("guest"))

	settings := wire.MatchInitial{Settings: wire.GameSettings{Common: 7}}
	guestDone := async(func() ([]Inputs, error) {
		if _, err := guest.InitMatch(); err != nil {
			return nil, err
		}
		return exchangeAll(guest, []wire.Input{inE, inF, inG, inD}, nil)
	})

	if _, err := host.InitMatch(settings); err != nil {
		t.Fatalf("host InitMatch: %v", err)
	}
	hostOut, err := exchangeAll(host, []wire.Input{inA, inB, inC, inD}, nil)
	if err != nil {
		t.Fatalf("host exchange: %v", err)
	}
	guestOut, err := await(t, guestDone, 2*time.Second)
	if err != nil {
		t.Fatalf("guest exchange: %v", err)
	}

	n := wire.InputNull
	wantHost := []Inputs{{n, n}, {n, n}, {inA, inE}, {inB, inF}}
	wantGuest := []Inputs{{n, n}, {n, n}, {inE, inA}, {inF, inB}}
	if diff := cmp.Diff(wantHost, hostOut); diff != "" {
		t.Errorf("host outputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantGuest, guestOut); diff != "" {
		t.Errorf("guest outputs (-want +got):\n%s", diff)
	}
	if guest.Delay() != 2 {
		t.Errorf("guest delay = %d, want host's 2", guest.Delay())
	}
	if host.Frame() != 4 || guest.Frame() != 4 {
		t.Errorf("frames = %d/%d, want 4/4", host.Frame(), guest.Frame())
	}
}

func TestLockstepEquivalence(t *testing.T) {
	const frames = 400
	rng := rand.New(rand.NewSource(42))

	delays := make([]uint8, frames)
	hostIn := make([]wire.Input, frames)
	guestIn := make([]wire.Input, frames)
	d := uint8(0)
	for i := range delays {
		if rng.Intn(10) == 0 {
			d = uint8(rng.Intn(int(wire.MaxDelay) + 1))
		}
		delays[i] = d
		hostIn[i] = wire.Input(rng.Intn(0x200))
		guestIn[i] = wire.Input(rng.Intn(0x200))
	}

	cfg := DefaultConfig("host")
	cfg.Delay = 0
	host, guest, _, _ := newPair(t, cfg, DefaultConfig("guest"))

	guestDone := async(func() ([]Inputs, error) {
		return exchangeAll(guest, guestIn, nil)
	})
	hostOut, err := exchangeAll(host, hostIn, func(i int) { host.SetDelay(delays[i]) })
	if err != nil {
		t.Fatalf("host exchange: %v", err)
	}
	guestOut, err := await(t, guestDone, 5*time.Second)
	if err != nil {
		t.Fatalf("guest exchange: %v", err)
	}

	for i := range hostOut {
		h, g := hostOut[i], guestOut[i]
		if h.Local != g.Remote || h.Remote != g.Local {
			t.Fatalf("frame %d diverged: host %+v, guest %+v", i, h, g)
		}
	}
}

func TestRepeatedDelayIsNoOp(t *testing.T) {
	const frames = 20
	cfg := DefaultConfig("host")
	cfg.Delay = 3
	host, guest, _, _ := newPair(t, cfg, DefaultConfig("guest"))

	inputs := make([]wire.Input, frames)
	for i := range inputs {
		inputs[i] = wire.Input(i + 1)
	}
	guestDone := async(func() ([]Inputs, error) {
		if _, err := guest.InitMatch(); err != nil {
			return nil, err
		}
		return exchangeAll(guest, inputs, nil)
	})
	if _, err := host.InitMatch(wire.MatchInitial{}); err != nil {
		t.Fatalf("host InitMatch: %v", err)
	}
	hostOut, err := exchangeAll(host, inputs, func(int) { host.SetDelay(3) })
	if err != nil {
		t.Fatalf("host exchange: %v", err)
	}
	if _, err := await(t, guestDone, 2*time.Second); err != nil {
		t.Fatalf("guest exchange: %v", err)
	}
	assertDelayedBy(t, hostOut, inputs, 3)
}

// Without a handshake the guest holds its first frame until the host's first
// message says which delay is in force.
func TestGuestWaitsForHostDelay(t *testing.T) {
	const frames = 20
	cfg := DefaultConfig("host")
	cfg.Delay = 3
	host, guest, _, _ := newPair(t, cfg, DefaultConfig("guest"))

	inputs := make([]wire.Input, frames)
	for i := range inputs {
		inputs[i] = wire.Input(i + 1)
	}
	guestDone := async(func() ([]Inputs, error) {
		return exchangeAll(guest, inputs, nil)
	})
	hostOut, err := exchangeAll(host, inputs, func(int) { host.SetDelay(3) })
	if err != nil {
		t.Fatalf("host exchange: %v", err)
	}
	guestOut, err := await(t, guestDone, 2*time.Second)
	if err != nil {
		t.Fatalf("guest exchange: %v", err)
	}
	assertDelayedBy(t, hostOut, inputs, 3)
	assertDelayedBy(t, guestOut, inputs, 3)
	if guest.Delay() != 3 {
		t.Errorf("guest delay = %d, want 3", guest.Delay())
	}
}

func assertDelayedBy(t *testing.T, got []Inputs, inputs []wire.Input, delay int) {
	t.Helper()
	for i, in := range got {
		want := wire.InputNull
		if i >= delay {
			want = inputs[i-delay]
		}
		if in.Local != want || in.Remote != want {
			t.Errorf("frame %d = %+v, want both %v", i, in, want)
		}
	}
}

func TestInitMatchAgreement(t *testing.T) {
	host, guest, _, _ := newPair(t, DefaultConfig("marisa"), DefaultConfig("reimu"))
	settings := wire.MatchInitial{Settings: wire.GameSettings{Common: 1, P1: 2, P2: 3}}

	guestDone := async(guest.InitMatch)
	hostMatch, err := host.InitMatch(settings)
	if err != nil {
		t.Fatalf("host InitMatch: %v", err)
	}
	guestMatch, err := await(t, guestDone, 2*time.Second)
	if err != nil {
		t.Fatalf("guest InitMatch: %v", err)
	}

	if diff := cmp.Diff(Match{RemoteName: "reimu", Initial: settings}, hostMatch); diff != "" {
		t.Errorf("host match (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Match{RemoteName: "marisa", Initial: settings}, guestMatch); diff != "" {
		t.Errorf("guest match (-want +got):\n%s", diff)
	}

	again, err := host.InitMatch(settings)
	if err != nil || again != hostMatch {
		t.Errorf("repeated InitMatch = %+v, %v; want cached result", again, err)
	}

	defer func() {
		if recover() == nil {
			t.Error("InitMatch with different settings should panic")
		}
	}()
	host.InitMatch(wire.MatchInitial{Settings: wire.GameSettings{Common: 99}})
}

func TestInitRound(t *testing.T) {
	host, guest, _, _ := newPair(t, DefaultConfig("host"), DefaultConfig("guest"))

	for round := uint16(1); round <= 3; round++ {
		sent := wire.RoundInitial{Seeds: [wire.SeedCount]uint16{round, round + 1}}
		if err := host.InitRound(sent); err != nil {
			t.Fatalf("host InitRound: %v", err)
		}
		got, err := await(t, async(guest.InitRound), time.Second)
		if err != nil {
			t.Fatalf("guest InitRound: %v", err)
		}
		if got != sent {
			t.Errorf("round %d: guest got %v, want %v", round, got.Seeds, sent.Seeds)
		}
	}
}

func TestDisconnectionFailsInFlightAndLaterCalls(t *testing.T) {
	host, _, _, guestLink := newPair(t, DefaultConfig("host"), DefaultConfig("guest"))

	pending := async(func() (Inputs, error) {
		return host.EnqueueAndDequeue(inA)
	})
	guestLink.Close()

	if _, err := await(t, pending, 2*time.Second); !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("in-flight call = %v, want ErrDisconnected", err)
	}
	if _, err := host.EnqueueAndDequeue(inB); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("later EnqueueAndDequeue = %v, want ErrDisconnected", err)
	}
	if err := host.InitRound(wire.RoundInitial{}); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("later InitRound = %v, want ErrDisconnected", err)
	}
	if _, err := host.InitMatch(wire.MatchInitial{}); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("later InitMatch = %v, want ErrDisconnected", err)
	}
}

func TestMalformedPeerIsProtocolViolation(t *testing.T) {
	a, b := transport.Pipe()
	link := newLink(a, "guest")
	defer link.Close()
	guest := NewGuestQueue(link, DefaultConfig("guest"))

	if err := b.Send(context.Background(), []byte{0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := await(t, async(guest.InitMatch), time.Second)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("InitMatch = %v, want ErrProtocolViolation", err)
	}
	if errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("protocol violation must not read as disconnection: %v", err)
	}
}

func TestBothPeersClaimingHost(t *testing.T) {
	a, b := transport.Pipe()
	left := NewHostQueue(newLink(a, "left"), DefaultConfig("left"))
	right := NewHostQueue(newLink(b, "right"), DefaultConfig("right"))

	settings := wire.MatchInitial{}
	rightDone := async(func() (Match, error) { return right.InitMatch(settings) })
	if _, err := left.InitMatch(settings); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("left InitMatch = %v, want ErrProtocolViolation", err)
	}
	if _, err := await(t, rightDone, time.Second); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("right InitMatch = %v, want ErrProtocolViolation", err)
	}
}

func TestSeedsSentToHostAreRejected(t *testing.T) {
	a, b := transport.Pipe()
	host := NewHostQueue(newLink(a, "host"), DefaultConfig("host"))
	peer := newLink(b, "peer")
	defer peer.Close()

	if err := peer.Send(wire.RoundInitial{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := peer.Send(wire.InputFrame{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := await(t, async(func() (Inputs, error) { return host.EnqueueAndDequeue(inA) }), time.Second); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("EnqueueAndDequeue = %v, want ErrProtocolViolation", err)
	}
}

func TestStallTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig("host")
	cfg.Clock = clock
	cfg.StallTimeout = 3 * time.Second
	host, _, _, _ := newPair(t, cfg, DefaultConfig("guest"))

	pending := async(func() (Inputs, error) { return host.EnqueueAndDequeue(inA) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("queue never armed its stall timer: %v", err)
	}
	clock.Advance(3 * time.Second)

	if _, err := await(t, pending, time.Second); !errors.Is(err, ErrStallTimeout) {
		t.Errorf("EnqueueAndDequeue = %v, want ErrStallTimeout", err)
	}
}

func TestSpectatorQueue(t *testing.T) {
	a, b := transport.Pipe()
	relay := newLink(a, "relay")
	spectator := NewSpectatorQueue(newLink(b, "spectator"), DefaultConfig("watcher"))

	initial := wire.SpectatorInitial{P1Name: "p1", P2Name: "p2", Match: wire.MatchInitial{Settings: wire.GameSettings{Common: 5}}}
	round := wire.RoundInitial{Seeds: [wire.SeedCount]uint16{1, 2}}
	for _, msg := range []wire.Message{
		initial,
		round,
		wire.SpectatorInputs{P1: inA, P2: inB},
		wire.SpectatorInputs{P1: inC, P2: inD},
	} {
		if err := relay.Send(msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	relay.Close()

	gotInitial, err := spectator.InitMatch()
	if err != nil || gotInitial != initial {
		t.Fatalf("InitMatch = %+v, %v", gotInitial, err)
	}
	gotRound, err := spectator.InitRound()
	if err != nil || gotRound != round {
		t.Fatalf("InitRound = %+v, %v", gotRound, err)
	}
	for _, want := range []wire.SpectatorInputs{{P1: inA, P2: inB}, {P1: inC, P2: inD}} {
		got, err := spectator.EnqueueAndDequeue()
		if err != nil || got != want {
			t.Fatalf("EnqueueAndDequeue = %+v, %v; want %+v", got, err, want)
		}
	}
	if _, err := spectator.EnqueueAndDequeue(); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("after relay closed = %v, want ErrDisconnected", err)
	}
}
