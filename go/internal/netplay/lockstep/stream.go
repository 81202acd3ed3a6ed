package lockstep

import "github.com/mcdev12/netplay/go/internal/netplay/wire"

// inputStream is one direction of input flow. Both the producing and the
// consuming end of a stream apply the same transform to the same sequence of
// (input, delay) samples, so both ends pop identical values frame by frame.
//
// After every pop the backlog equals delay + skip. Raising the delay pads the
// backlog with null input; lowering it drops that many upcoming samples.
type inputStream struct {
	delay uint8
	skip  int
	queue []wire.Input
}

func (s *inputStream) push(input wire.Input, delay uint8) {
	if delay != s.delay {
		s.skip += int(s.delay) - int(delay)
		s.delay = delay
	}

	switch {
	case s.skip < 0:
		for ; s.skip < 0; s.skip++ {
			s.queue = append(s.queue, wire.InputNull)
		}
		s.queue = append(s.queue, input)
	case s.skip > 0:
		s.skip--
	default:
		s.queue = append(s.queue, input)
	}
}

func (s *inputStream) ready() bool {
	return len(s.queue) > 0
}

func (s *inputStream) pop() wire.Input {
	input := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = s.queue[:0:0]
	}
	return input
}

func (s *inputStream) backlog() int {
	return len(s.queue)
}
