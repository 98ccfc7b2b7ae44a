package frames

import "time"

// Direction identifies one audio leg of a call. Direction 0 is the
// caller side ("in"), direction 1 the connected side ("out").
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// Channel returns the multichannel index used on the upstream stream.
func (d Direction) Channel() int { return int(d) }

func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// AudioFrame is one demultiplexed media payload: the raw PCM samples of a
// single datagram after header strip and byte-order correction. Frames are
// created per received packet and consumed once by the interleaver.
type AudioFrame struct {
	CallID    string
	Direction Direction
	Seq       uint64
	PCM       []byte
}

// InterleavedFrame is a stereo sample block built from one frame per
// direction: direction 0 occupies the left channel, direction 1 the right.
type InterleavedFrame struct {
	CallID string
	Seq    uint64
	PCM    []byte
}

// TranscriptKind distinguishes provisional from settled transcript results.
type TranscriptKind string

const (
	TranscriptInterim TranscriptKind = "interim"
	TranscriptFinal   TranscriptKind = "final"
)

// TranscriptEvent is one speech-to-text result for a single utterance on a
// single channel, as delivered by the upstream provider.
type TranscriptEvent struct {
	CallID     string
	Channel    int
	Kind       TranscriptKind
	Text       string
	Start      float64
	ReceivedAt time.Time
}

func (e TranscriptEvent) IsFinal() bool { return e.Kind == TranscriptFinal }

// Silence returns a zero-filled PCM block of n bytes, used to keep the
// interleaved stream flowing when one direction stalls.
func Silence(n int) []byte { return make([]byte, n) }
