package interleave

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxbridge/voxbridge/pkg/frames"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/media"
)

const DefaultFlushWait = 250 * time.Millisecond

// Interleaver merges one call's two directional audio queues into a single
// stereo stream: direction 0 on the left channel, direction 1 on the right.
// When one direction stalls, the other's frames are still flushed after a
// bounded wait, padded with silence, so real-time delivery wins over local
// sample accuracy during one-sided silence.
//
// An Interleaver serves exactly one call and is not restartable; a new call
// gets a new instance.
type Interleaver struct {
	callID    string
	in, out   *media.FrameQueue
	flushWait time.Duration
	frames    chan frames.InterleavedFrame
	log       *slog.Logger
	seq       uint64
}

func New(callID string, in, out *media.FrameQueue, flushWait time.Duration, logger *slog.Logger) *Interleaver {
	if flushWait <= 0 {
		flushWait = DefaultFlushWait
	}
	return &Interleaver{
		callID:    callID,
		in:        in,
		out:       out,
		flushWait: flushWait,
		frames:    make(chan frames.InterleavedFrame, 32),
		log:       logging.NewComponentLogger(logger, "interleaver").With(slog.String("call_id", callID)),
	}
}

// Frames is the merged output stream. It closes after Run returns.
func (iv *Interleaver) Frames() <-chan frames.InterleavedFrame { return iv.frames }

// Run consumes both queues until ctx is cancelled, then drains whatever is
// still queued and closes the output. Within one direction relative arrival
// order is preserved.
func (iv *Interleaver) Run(ctx context.Context) {
	defer close(iv.frames)
	var stalledIn, stalledOut bool
	for {
		if ctx.Err() != nil {
			iv.drain()
			return
		}

		left, leftOK := iv.in.Pop()
		right, rightOK := iv.out.Pop()
		if leftOK {
			stalledIn = false
		}
		if rightOK {
			stalledOut = false
		}

		if !leftOK && !rightOK {
			// Idle: wait briefly for either side rather than spinning.
			stalledIn, stalledOut = false, false
			left, leftOK = iv.in.PopWait(iv.flushWait)
			if !leftOK {
				continue
			}
		}
		// One side present: give the other a bounded chance to catch up
		// before padding it with silence. A side that already missed its
		// window stays marked stalled until it produces again, so the live
		// side's backlog flushes at full rate instead of one frame per wait.
		if leftOK && !rightOK && !stalledOut {
			right, rightOK = iv.out.PopWait(iv.flushWait)
			stalledOut = !rightOK
		} else if rightOK && !leftOK && !stalledIn {
			left, leftOK = iv.in.PopWait(iv.flushWait)
			stalledIn = !leftOK
		}

		if !iv.emit(ctx, left.PCM, right.PCM, leftOK, rightOK) {
			iv.drain()
			return
		}
	}
}

// drain flushes frames already queued at close time without waiting for
// missing counterparts.
func (iv *Interleaver) drain() {
	for {
		left, leftOK := iv.in.Pop()
		right, rightOK := iv.out.Pop()
		if !leftOK && !rightOK {
			return
		}
		merged := frames.InterleavedFrame{
			CallID: iv.callID,
			Seq:    iv.seq,
			PCM:    interleavePCM(pcmOrSilence(left.PCM, leftOK, right.PCM), pcmOrSilence(right.PCM, rightOK, left.PCM)),
		}
		select {
		case iv.frames <- merged:
			iv.seq++
		default:
			iv.log.Debug("drain output full, discarding residual frame")
			return
		}
	}
}

func (iv *Interleaver) emit(ctx context.Context, left, right []byte, leftOK, rightOK bool) bool {
	merged := frames.InterleavedFrame{
		CallID: iv.callID,
		Seq:    iv.seq,
		PCM:    interleavePCM(pcmOrSilence(left, leftOK, right), pcmOrSilence(right, rightOK, left)),
	}
	// Prefer delivery over cancellation when the output has room, so a
	// frame already popped from its queue is not lost at close time.
	select {
	case iv.frames <- merged:
		iv.seq++
		return true
	default:
	}
	select {
	case iv.frames <- merged:
		iv.seq++
		return true
	case <-ctx.Done():
		return false
	}
}

func pcmOrSilence(pcm []byte, ok bool, other []byte) []byte {
	if ok {
		return pcm
	}
	return frames.Silence(len(other))
}

// interleavePCM pairs 16-bit samples positionally: left sample i, then
// right sample i. The shorter side is zero-padded so both channels advance
// together.
func interleavePCM(left, right []byte) []byte {
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	if n%2 != 0 {
		n++
	}
	out := make([]byte, 2*n)
	for i := 0; i+1 < n; i += 2 {
		if i+1 < len(left) {
			out[2*i] = left[i]
			out[2*i+1] = left[i+1]
		}
		if i+1 < len(right) {
			out[2*i+2] = right[i]
			out[2*i+3] = right[i+1]
		}
	}
	return out
}
