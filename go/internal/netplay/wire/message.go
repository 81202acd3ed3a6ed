package wire

// Kind identifies a message variant on the wire. The numeric value is the
// envelope field number, so existing values must never be reused.
type Kind uint8

const (
	KindInputFrame       Kind = 1
	KindMatchHello       Kind = 2
	KindRoundInitial     Kind = 3
	KindSpectatorInitial Kind = 4
	KindSpectatorInputs  Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindInputFrame:
		return "input_frame"
	case KindMatchHello:
		return "match_hello"
	case KindRoundInitial:
		return "round_initial"
	case KindSpectatorInitial:
		return "spectator_initial"
	case KindSpectatorInputs:
		return "spectator_inputs"
	default:
		return "unknown"
	}
}

// Message is any value that can travel over a session link
type Message interface {
	Kind() Kind
	isMessage()
}

// InputFrame carries one frame of local input together with the delay the
// sender buffered it with.
type InputFrame struct {
	Input Input
	Delay uint8
}

// MatchHello opens a match. The host fills Initial; the guest leaves it nil.
type MatchHello struct {
	PlayerName string
	Initial    *MatchInitial
	Delay      uint8
}

// SpectatorInitial tells a spectator who is playing and under which rules
type SpectatorInitial struct {
	P1Name string
	P2Name string
	Match  MatchInitial
}

// SpectatorInputs is one resolved frame as both players consumed it
type SpectatorInputs struct {
	P1 Input
	P2 Input
}

func (InputFrame) Kind() Kind       { return KindInputFrame }
func (MatchHello) Kind() Kind       { return KindMatchHello }
func (RoundInitial) Kind() Kind     { return KindRoundInitial }
func (SpectatorInitial) Kind() Kind { return KindSpectatorInitial }
func (SpectatorInputs) Kind() Kind  { return KindSpectatorInputs }

func (InputFrame) isMessage()       {}
func (MatchHello) isMessage()       {}
func (RoundInitial) isMessage()     {}
func (SpectatorInitial) isMessage() {}
func (SpectatorInputs) isMessage()  {}
