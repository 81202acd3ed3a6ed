package wire

import "fmt"

// Input is the button/direction bitmask sampled for a single frame
type Input uint16

const (
	InputNull   Input = 0
	InputShot   Input = 0x0001
	InputCharge Input = 0x0002
	InputBomb   Input = 0x0004
	InputSlow   Input = 0x0008
	InputUp     Input = 0x0010
	InputDown   Input = 0x0020
	InputLeft   Input = 0x0040
	InputRight  Input = 0x0080
	InputStart  Input = 0x0100
)

// Has reports whether every bit of flag is held
func (i Input) Has(flag Input) bool {
	return flag != 0 && i&flag == flag
}

func (i Input) String() string {
	return fmt.Sprintf("0x%03x", uint16(i))
}

// MaxDelay is the largest input delay a host may request
const MaxDelay uint8 = 9

// SeedCount is the number of RNG registers carried by a RoundInitial
const SeedCount = 8

// GameSettings holds the rule registers agreed once per match
type GameSettings struct {
	Common uint32
	P1     uint32
	P2     uint32
}

// MatchInitial is the match-level configuration originated by the host
type MatchInitial struct {
	Settings GameSettings
}

// RoundInitial is the RNG seed material originated by the host for one round
type RoundInitial struct {
	Seeds [SeedCount]uint16
}
