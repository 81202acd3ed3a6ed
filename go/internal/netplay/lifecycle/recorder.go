package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/netplay/go/internal/netplay/session"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// EndReason says how a match left the loop
type EndReason string

const (
	EndCompleted     EndReason = "completed"
	EndAborted       EndReason = "aborted"
	EndLocal         EndReason = "ended_locally"
	EndSpectatorQuit EndReason = "spectator_left"
)

// MatchInfo describes a match once its handshake has completed
type MatchInfo struct {
	SessionID uuid.UUID
	Role      session.Role
	P1Name    string
	P2Name    string
	Settings  wire.GameSettings
	Delay     uint8
	StartedAt time.Time
}

// Recorder observes match bookkeeping. Methods are called on the game thread
// and must not block.
type Recorder interface {
	MatchStarted(info MatchInfo)
	DelayChanged(sessionID uuid.UUID, delay uint8, frame uint64)
	RoundFinished(sessionID uuid.UUID, round int)
	MatchEnded(sessionID uuid.UUID, reason EndReason, err error)
}

// NopRecorder discards everything
type NopRecorder struct{}

func (NopRecorder) MatchStarted(MatchInfo)                 {}
func (NopRecorder) DelayChanged(uuid.UUID, uint8, uint64)  {}
func (NopRecorder) RoundFinished(uuid.UUID, int)           {}
func (NopRecorder) MatchEnded(uuid.UUID, EndReason, error) {}
