package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a payload cannot be decoded into a Message
var ErrMalformed = errors.New("wire: malformed message")

// Field numbers inside each message body.
const (
	fieldInput protowire.Number = 1
	fieldDelay protowire.Number = 2

	fieldHelloName    protowire.Number = 1
	fieldHelloInitial protowire.Number = 2
	fieldHelloDelay   protowire.Number = 3

	fieldSeeds protowire.Number = 1

	fieldSpecP1Name   protowire.Number = 1
	fieldSpecP2Name   protowire.Number = 2
	fieldSpecSettings protowire.Number = 3

	fieldP1 protowire.Number = 1
	fieldP2 protowire.Number = 2

	fieldSettingsCommon protowire.Number = 1
	fieldSettingsP1     protowire.Number = 2
	fieldSettingsP2     protowire.Number = 3
)

// Encode serializes msg into a single envelope. The envelope holds exactly one
// length-delimited field whose number is the message kind.
func Encode(msg Message) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case InputFrame:
		body = appendVarint(body, fieldInput, uint64(m.Input))
		body = appendVarint(body, fieldDelay, uint64(m.Delay))
	case MatchHello:
		body = protowire.AppendTag(body, fieldHelloName, protowire.BytesType)
		body = protowire.AppendString(body, m.PlayerName)
		if m.Initial != nil {
			body = protowire.AppendTag(body, fieldHelloInitial, protowire.BytesType)
			body = protowire.AppendBytes(body, encodeSettings(m.Initial.Settings))
		}
		body = appendVarint(body, fieldHelloDelay, uint64(m.Delay))
	case RoundInitial:
		var packed []byte
		for _, seed := range m.Seeds {
			packed = protowire.AppendVarint(packed, uint64(seed))
		}
		body = protowire.AppendTag(body, fieldSeeds, protowire.BytesType)
		body = protowire.AppendBytes(body, packed)
	case SpectatorInitial:
		body = protowire.AppendTag(body, fieldSpecP1Name, protowire.BytesType)
		body = protowire.AppendString(body, m.P1Name)
		body = protowire.AppendTag(body, fieldSpecP2Name, protowire.BytesType)
		body = protowire.AppendString(body, m.P2Name)
		body = protowire.AppendTag(body, fieldSpecSettings, protowire.BytesType)
		body = protowire.AppendBytes(body, encodeSettings(m.Match.Settings))
	case SpectatorInputs:
		body = appendVarint(body, fieldP1, uint64(m.P1))
		body = appendVarint(body, fieldP2, uint64(m.P2))
	default:
		return nil, fmt.Errorf("failed to encode message: unsupported type %T", msg)
	}

	out := protowire.AppendTag(make([]byte, 0, len(body)+4), protowire.Number(msg.Kind()), protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Decode parses an envelope produced by Encode. Unknown fields inside a known
// message are skipped; an unknown kind is rejected.
func Decode(data []byte) (Message, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return nil, fmt.Errorf("%w: envelope tag: %v", ErrMalformed, protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: envelope field %d has wire type %d", ErrMalformed, num, typ)
	}
	body, m := protowire.ConsumeBytes(data[n:])
	if m < 0 {
		return nil, fmt.Errorf("%w: envelope body: %v", ErrMalformed, protowire.ParseError(m))
	}
	if n+m != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after envelope", ErrMalformed, len(data)-n-m)
	}

	switch Kind(num) {
	case KindInputFrame:
		return decodeInputFrame(body)
	case KindMatchHello:
		return decodeMatchHello(body)
	case KindRoundInitial:
		return decodeRoundInitial(body)
	case KindSpectatorInitial:
		return decodeSpectatorInitial(body)
	case KindSpectatorInputs:
		return decodeSpectatorInputs(body)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, num)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeSettings(s GameSettings) []byte {
	var b []byte
	b = appendVarint(b, fieldSettingsCommon, uint64(s.Common))
	b = appendVarint(b, fieldSettingsP1, uint64(s.P1))
	b = appendVarint(b, fieldSettingsP2, uint64(s.P2))
	return b
}

// walk calls fn for every field of a message body. fn returns the number of
// bytes it consumed, or -1 to have the field skipped.
func walk(body []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		body = body[n:]
		m := fn(num, typ, body)
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, body)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		body = body[m:]
	}
	return nil
}

// varintField decodes a varint into *dst when the wire type matches and the
// value fits under limit. A mismatch is reported through *bad.
func varintField(typ protowire.Type, b []byte, limit uint64, dst *uint64, bad *bool) int {
	if typ != protowire.VarintType {
		*bad = true
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	if v > limit {
		*bad = true
	}
	*dst = v
	return n
}

func bytesField(typ protowire.Type, b []byte, dst *[]byte, bad *bool) int {
	if typ != protowire.BytesType {
		*bad = true
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

func decodeInputFrame(body []byte) (Message, error) {
	var input, delay uint64
	var bad bool
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldInput:
			return varintField(typ, b, 0xffff, &input, &bad)
		case fieldDelay:
			return varintField(typ, b, uint64(MaxDelay), &delay, &bad)
		}
		return -1
	})
	if err != nil {
		return nil, err
	}
	if bad {
		return nil, fmt.Errorf("%w: invalid input frame", ErrMalformed)
	}
	return InputFrame{Input: Input(input), Delay: uint8(delay)}, nil
}

func decodeMatchHello(body []byte) (Message, error) {
	var name, settings []byte
	var delay uint64
	var hasInitial, bad bool
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldHelloName:
			return bytesField(typ, b, &name, &bad)
		case fieldHelloInitial:
			hasInitial = true
			return bytesField(typ, b, &settings, &bad)
		case fieldHelloDelay:
			return varintField(typ, b, uint64(MaxDelay), &delay, &bad)
		}
		return -1
	})
	if err != nil {
		return nil, err
	}
	if bad {
		return nil, fmt.Errorf("%w: invalid match hello", ErrMalformed)
	}
	hello := MatchHello{PlayerName: string(name), Delay: uint8(delay)}
	if hasInitial {
		s, err := decodeSettings(settings)
		if err != nil {
			return nil, err
		}
		hello.Initial = &MatchInitial{Settings: s}
	}
	return hello, nil
}

func decodeRoundInitial(body []byte) (Message, error) {
	var packed []byte
	var found, bad bool
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == fieldSeeds {
			found = true
			return bytesField(typ, b, &packed, &bad)
		}
		return -1
	})
	if err != nil {
		return nil, err
	}
	if bad || !found {
		return nil, fmt.Errorf("%w: invalid round initial", ErrMalformed)
	}

	var round RoundInitial
	for i := 0; i < SeedCount; i++ {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 || v > 0xffff {
			return nil, fmt.Errorf("%w: seed %d", ErrMalformed, i)
		}
		round.Seeds[i] = uint16(v)
		packed = packed[n:]
	}
	if len(packed) != 0 {
		return nil, fmt.Errorf("%w: more than %d seeds", ErrMalformed, SeedCount)
	}
	return round, nil
}

func decodeSpectatorInitial(body []byte) (Message, error) {
	var p1, p2, settings []byte
	var bad bool
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldSpecP1Name:
			return bytesField(typ, b, &p1, &bad)
		case fieldSpecP2Name:
			return bytesField(typ, b, &p2, &bad)
		case fieldSpecSettings:
			return bytesField(typ, b, &settings, &bad)
		}
		return -1
	})
	if err != nil {
		return nil, err
	}
	if bad {
		return nil, fmt.Errorf("%w: invalid spectator initial", ErrMalformed)
	}
	s, err := decodeSettings(settings)
	if err != nil {
		return nil, err
	}
	return SpectatorInitial{P1Name: string(p1), P2Name: string(p2), Match: MatchInitial{Settings: s}}, nil
}

func decodeSpectatorInputs(body []byte) (Message, error) {
	var p1, p2 uint64
	var bad bool
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldP1:
			return varintField(typ, b, 0xffff, &p1, &bad)
		case fieldP2:
			return varintField(typ, b, 0xffff, &p2, &bad)
		}
		return -1
	})
	if err != nil {
		return nil, err
	}
	if bad {
		return nil, fmt.Errorf("%w: invalid spectator inputs", ErrMalformed)
	}
	return SpectatorInputs{P1: Input(p1), P2: Input(p2)}, nil
}

func decodeSettings(body []byte) (GameSettings, error) {
	var common, p1, p2 uint64
	var bad bool
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldSettingsCommon:
			return varintField(typ, b, 0xffffffff, &common, &bad)
		case fieldSettingsP1:
			return varintField(typ, b, 0xffffffff, &p1, &bad)
		case fieldSettingsP2:
			return varintField(typ, b, 0xffffffff, &p2, &bad)
		}
		return -1
	})
	if err != nil {
		return GameSettings{}, err
	}
	if bad {
		return GameSettings{}, fmt.Errorf("%w: invalid game settings", ErrMalformed)
	}
	return GameSettings{Common: uint32(common), P1: uint32(p1), P2: uint32(p2)}, nil
}
