package lifecycle

import "github.com/mcdev12/netplay/go/internal/netplay/wire"

// ScreenID is the host process's current on-screen identity
type ScreenID int

const (
	ScreenUnknown ScreenID = iota
	ScreenTitle
	ScreenOption
	ScreenDifficultySelect
	ScreenPlayerMatchupSelect
	ScreenOnlineMenu
	ScreenCharacterSelect
	ScreenGameLoading
	ScreenInGame
)

func (s ScreenID) String() string {
	switch s {
	case ScreenTitle:
		return "title"
	case ScreenOption:
		return "option"
	case ScreenDifficultySelect:
		return "difficulty_select"
	case ScreenPlayerMatchupSelect:
		return "player_matchup_select"
	case ScreenOnlineMenu:
		return "online_menu"
	case ScreenCharacterSelect:
		return "character_select"
	case ScreenGameLoading:
		return "game_loading"
	case ScreenInGame:
		return "in_game"
	default:
		return "unknown"
	}
}

// Round is what the host process exposes about the round in progress
type Round struct {
	// Frame counts simulated frames since the round started
	Frame uint32
}

// Observer reads host process state. A false second return means the value
// is momentarily unavailable; callers retry on the next tick.
type Observer interface {
	Screen() (ScreenID, bool)
	Round() (Round, bool)
	LocalInput() wire.Input
	MenuInput() wire.Input
	// RequestedDelay is the delay the local player asked for, if any
	RequestedDelay() (uint8, bool)
	GameSettings() wire.GameSettings
	Seeds() wire.RoundInitial
}

// Mutator writes synchronized state back into the host process
type Mutator interface {
	SetPlayerInputs(p1, p2 wire.Input)
	SetMenuInput(input wire.Input)
	SetSeeds(round wire.RoundInitial)
	ApplyGameSettings(settings wire.GameSettings)
	ResetSelection()
	// SetSynchronized switches the process between synchronized input and
	// standalone play.
	SetSynchronized(on bool)
}

// Game is the whole host process boundary
type Game interface {
	Observer
	Mutator
}
