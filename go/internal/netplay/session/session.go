package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/lockstep"
	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// Role names the capability a session was opened with
type Role string

const (
	RoleHost      Role = "host"
	RoleGuest     Role = "guest"
	RoleSpectator Role = "spectator"
)

// Conn is anything the lifecycle machine can own for the length of a match
type Conn interface {
	ID() uuid.UUID
	Role() Role
	Done() <-chan struct{}
	Close() error
}

// base owns the transport of one session. Closing it is the only way the
// background pumps are stopped.
type base struct {
	id       uuid.UUID
	role     Role
	link     *transport.Bridge[wire.Message]
	openedAt time.Time

	closeOnce sync.Once
}

func (b *base) open(ch transport.Channel, role Role) {
	b.id = uuid.New()
	b.role = role
	b.link = transport.NewBridge(ch, wire.Encode, wire.Decode, transport.DefaultBridgeConfig(string(role)+"/"+b.id.String()))
	b.openedAt = time.Now()

	log.Info().
		Str("session_id", b.id.String()).
		Str("role", string(role)).
		Msg("session opened")
}

func (b *base) ID() uuid.UUID {
	return b.id
}

func (b *base) Role() Role {
	return b.role
}

// Done is closed once the transport has stopped delivering messages
func (b *base) Done() <-chan struct{} {
	return b.link.Done()
}

// Close releases the transport. Pending queue calls fail with a
// disconnection error once the pumps have stopped.
func (b *base) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.link.Close()
		log.Info().
			Str("session_id", b.id.String()).
			Str("role", string(b.role)).
			Dur("duration", time.Since(b.openedAt)).
			Msg("session closed")
	})
	return err
}

// Host is the authoritative end of a battle session
type Host struct {
	base
	*lockstep.HostQueue
}

// NewHost creates a new host session that owns ch
func NewHost(ch transport.Channel, config lockstep.Config) *Host {
	s := &Host{}
	s.open(ch, RoleHost)
	s.HostQueue = lockstep.NewHostQueue(s.link, config)
	return s
}

// Guest is the receiving end of a battle session
type Guest struct {
	base
	*lockstep.GuestQueue
}

// NewGuest creates a new guest session that owns ch
func NewGuest(ch transport.Channel, config lockstep.Config) *Guest {
	s := &Guest{}
	s.open(ch, RoleGuest)
	s.GuestQueue = lockstep.NewGuestQueue(s.link, config)
	return s
}

// Spectator is a read-only session fed by a Relay on one of the players
type Spectator struct {
	base
	*lockstep.SpectatorQueue
}

// NewSpectator creates a new spectator session that owns ch
func NewSpectator(ch transport.Channel, config lockstep.Config) *Spectator {
	s := &Spectator{}
	s.open(ch, RoleSpectator)
	s.SpectatorQueue = lockstep.NewSpectatorQueue(s.link, config)
	return s
}

var (
	_ Conn                = (*Host)(nil)
	_ Conn                = (*Guest)(nil)
	_ Conn                = (*Spectator)(nil)
	_ lockstep.Originator = (*Host)(nil)
	_ lockstep.Receiver   = (*Guest)(nil)
)
