package interleave

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/frames"
	"github.com/voxbridge/voxbridge/pkg/media"
)

func newTestInterleaver(flushWait time.Duration) (*Interleaver, *media.FrameQueue, *media.FrameQueue) {
	in := media.NewFrameQueue(50)
	out := media.NewFrameQueue(50)
	return New("1700000000.5", in, out, flushWait, nil), in, out
}

func push(q *media.FrameQueue, dir frames.Direction, seq uint64, pcm ...byte) {
	q.Push(frames.AudioFrame{CallID: "1700000000.5", Direction: dir, Seq: seq, PCM: pcm})
}

func collect(t *testing.T, iv *Interleaver, n int) []frames.InterleavedFrame {
	t.Helper()
	got := make([]frames.InterleavedFrame, 0, n)
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case f, ok := <-iv.Frames():
			if !ok {
				t.Fatalf("output closed after %d frames, wanted %d", len(got), n)
			}
			got = append(got, f)
		case <-deadline:
			t.Fatalf("timed out after %d frames, wanted %d", len(got), n)
		}
	}
	return got
}

func TestInterleavePairsBothDirections(t *testing.T) {
	iv, in, out := newTestInterleaver(time.Second)
	push(in, frames.DirectionIn, 0, 0x01, 0x02)
	push(out, frames.DirectionOut, 0, 0x03, 0x04)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iv.Run(ctx)

	got := collect(t, iv, 1)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(got[0].PCM, want) {
		t.Fatalf("expected %v, got %v", want, got[0].PCM)
	}
	if got[0].Seq != 0 {
		t.Fatalf("expected seq 0, got %d", got[0].Seq)
	}
}

func TestInterleaveFillsSilenceWhenOneSideStalls(t *testing.T) {
	iv, in, _ := newTestInterleaver(20 * time.Millisecond)
	push(in, frames.DirectionIn, 0, 0x01, 0x02)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iv.Run(ctx)

	got := collect(t, iv, 1)
	want := []byte{0x01, 0x02, 0x00, 0x00}
	if !bytes.Equal(got[0].PCM, want) {
		t.Fatalf("expected silence-padded frame %v, got %v", want, got[0].PCM)
	}
}

func TestInterleaveFlushesBacklogWhileOneSideStalled(t *testing.T) {
	iv, in, _ := newTestInterleaver(50 * time.Millisecond)
	const backlog = 20
	for i := uint64(0); i < backlog; i++ {
		push(in, frames.DirectionIn, i, byte(i), 0x00)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iv.Run(ctx)

	// One flush window covers the whole backlog: after the first timeout
	// the stalled side must not be waited on again per frame.
	start := time.Now()
	got := collect(t, iv, backlog)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("backlog took %v to flush, stalled side re-waited per frame", elapsed)
	}
	for i, f := range got {
		if f.PCM[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, f.PCM)
		}
		if f.PCM[2] != 0x00 || f.PCM[3] != 0x00 {
			t.Fatalf("frame %d not silence-padded: %v", i, f.PCM)
		}
	}
}

func TestInterleaveResumesPairingAfterStall(t *testing.T) {
	iv, in, out := newTestInterleaver(20 * time.Millisecond)
	push(in, frames.DirectionIn, 0, 0x01, 0x02)
	push(in, frames.DirectionIn, 1, 0x03, 0x04)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iv.Run(ctx)

	got := collect(t, iv, 2)
	for i, f := range got {
		if f.PCM[2] != 0x00 || f.PCM[3] != 0x00 {
			t.Fatalf("frame %d not silence-padded during stall: %v", i, f.PCM)
		}
	}

	// The stalled side producing again ends the stall and pairing resumes.
	push(out, frames.DirectionOut, 0, 0x07, 0x08)
	push(in, frames.DirectionIn, 2, 0x05, 0x06)

	got = collect(t, iv, 1)
	want := []byte{0x05, 0x06, 0x07, 0x08}
	if !bytes.Equal(got[0].PCM, want) {
		t.Fatalf("expected paired frame %v, got %v", want, got[0].PCM)
	}
}

func TestInterleavePreservesPerDirectionOrder(t *testing.T) {
	iv, in, out := newTestInterleaver(20 * time.Millisecond)
	for i := uint64(0); i < 3; i++ {
		b := byte(i)
		push(in, frames.DirectionIn, i, 0x10+b, 0x00)
		push(out, frames.DirectionOut, i, 0x20+b, 0x00)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iv.Run(ctx)

	got := collect(t, iv, 3)
	for i, f := range got {
		if f.PCM[0] != byte(0x10+i) || f.PCM[2] != byte(0x20+i) {
			t.Fatalf("frame %d out of order: %v", i, f.PCM)
		}
		if f.Seq != uint64(i) {
			t.Fatalf("expected monotonic seq, got %d at %d", f.Seq, i)
		}
	}
}

func TestInterleavePadsShorterPayload(t *testing.T) {
	out := interleavePCM([]byte{0x01, 0x02, 0x03, 0x04}, []byte{0x05, 0x06})
	want := []byte{0x01, 0x02, 0x05, 0x06, 0x03, 0x04, 0x00, 0x00}
	if !bytes.Equal(out, want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
}

func TestInterleaverDrainsAndClosesOnCancel(t *testing.T) {
	iv, in, out := newTestInterleaver(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go iv.Run(ctx)

	push(in, frames.DirectionIn, 0, 0x01, 0x02)
	push(out, frames.DirectionOut, 0, 0x03, 0x04)
	collect(t, iv, 1)

	push(in, frames.DirectionIn, 1, 0x05, 0x06)
	cancel()

	deadline := time.After(5 * time.Second)
	sawResidual := false
	for {
		select {
		case f, ok := <-iv.Frames():
			if !ok {
				if !sawResidual {
					t.Fatalf("expected residual frame drained before close")
				}
				return
			}
			if f.PCM[0] == 0x05 {
				sawResidual = true
			}
		case <-deadline:
			t.Fatalf("output did not close after cancel")
		}
	}
}
