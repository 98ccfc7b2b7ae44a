package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/frames"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/metrics"
	"github.com/voxbridge/voxbridge/pkg/redact"
	"github.com/voxbridge/voxbridge/pkg/resilience"
	"github.com/voxbridge/voxbridge/pkg/sink"
)

// Result is one transcript delivered by the upstream provider for a
// single channel of the stereo stream.
type Result struct {
	Channel     int
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Start       float64
}

// Transcriber is a single live connection to the transcription provider.
// Connect reports whether the session was established; Stream blocks,
// consuming audio from the reader until the connection ends.
type Transcriber interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

// TranscriberFactory opens a fresh provider session. Each reconnect gets
// its own Transcriber; results are delivered through onResult from the
// provider's own goroutine. An empty language keeps the provider default.
type TranscriberFactory interface {
	New(ctx context.Context, language string, onResult func(Result)) (Transcriber, error)
}

const (
	// DefaultGapBufferFrames bounds the audio held while the upstream
	// connection is down. At 20ms per frame this is about four seconds.
	DefaultGapBufferFrames = 200
	DefaultFlushGrace      = 250 * time.Millisecond
	DefaultDrainTimeout    = 3 * time.Second
)

// StreamerConfig carries the per-call streaming parameters.
type StreamerConfig struct {
	CallID          string
	Speakers        [2]sink.Speaker
	Language        string
	GapBufferFrames int
	FlushGrace      time.Duration
	DrainTimeout    time.Duration
	Reconnect       resilience.BackoffConfig
	Redactor        *redact.Redactor
}

func (c StreamerConfig) withDefaults() StreamerConfig {
	if c.GapBufferFrames <= 0 {
		c.GapBufferFrames = DefaultGapBufferFrames
	}
	if c.FlushGrace <= 0 {
		c.FlushGrace = DefaultFlushGrace
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Streamer feeds one call's interleaved audio to the transcription
// provider, publishes every result to the sink, and publishes the
// speaker-grouped aggregate once the call has drained.
type Streamer struct {
	cfg     StreamerConfig
	factory TranscriberFactory
	results sink.ResultSink
	obs     metrics.Observer
	log     *slog.Logger

	mu     sync.Mutex
	sealed bool
	finals []frames.TranscriptEvent
}

func NewStreamer(cfg StreamerConfig, factory TranscriberFactory, results sink.ResultSink, obs metrics.Observer, logger *slog.Logger) *Streamer {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Streamer{
		cfg:     cfg.withDefaults(),
		factory: factory,
		results: results,
		obs:     obs,
		log:     logging.NewComponentLogger(logger, "transcribe").With("call_id", cfg.CallID),
	}
}

// Run consumes frames until the input channel closes or ctx is cancelled,
// then drains outstanding finals and publishes the aggregate. The upstream
// connection is re-established with backoff whenever it drops; audio
// arriving during a gap is buffered up to GapBufferFrames, oldest first out.
func (s *Streamer) Run(ctx context.Context, in <-chan frames.InterleavedFrame) error {
	backoff := resilience.NewBackoff(s.cfg.Reconnect)
	ring := newFrameRing(s.cfg.GapBufferFrames)

	var sess *session
	var retry <-chan time.Time

	connect := func() {
		next, err := s.connect(ctx)
		if err != nil {
			delay := backoff.Next()
			s.log.Warn("upstream connect failed", "error", err, "retry_in", delay)
			metrics.Count(s.obs, metrics.EventUpstreamReconnect, s.cfg.CallID)
			retry = time.After(delay)
			return
		}
		backoff.Reset()
		retry = nil
		sess = next
		for {
			f, ok := ring.pop()
			if !ok {
				break
			}
			if err := sess.write(f.PCM); err != nil {
				s.dropSession(&sess, err)
				retry = time.After(backoff.Next())
				break
			}
		}
	}

	connect()

loop:
	for {
		var done <-chan struct{}
		if sess != nil {
			done = sess.done
		}
		select {
		case f, ok := <-in:
			if !ok {
				break loop
			}
			if sess == nil {
				if ring.push(f) {
					metrics.Count(s.obs, metrics.EventGapBufferDrop, s.cfg.CallID)
				}
				continue
			}
			if err := sess.write(f.PCM); err != nil {
				s.dropSession(&sess, err)
				if ring.push(f) {
					metrics.Count(s.obs, metrics.EventGapBufferDrop, s.cfg.CallID)
				}
				retry = time.After(backoff.Next())
			}
		case <-done:
			s.dropSession(&sess, errors.New("upstream stream ended"))
			retry = time.After(backoff.Next())
		case <-retry:
			retry = nil
			connect()
		case <-ctx.Done():
			break loop
		}
	}

	return s.finish(ctx, sess)
}

func (s *Streamer) connect(ctx context.Context) (*session, error) {
	t, err := s.factory.New(ctx, s.cfg.Language, s.onResult)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	if !t.Connect() {
		t.Stop()
		return nil, errorsx.Wrap(errors.New("upstream refused connection"), errorsx.ReasonUpstreamConnect)
	}
	s.log.Info("upstream connected")
	return startSession(t), nil
}

func (s *Streamer) dropSession(sess **session, err error) {
	s.log.Warn("upstream connection lost", "error", err)
	metrics.Count(s.obs, metrics.EventUpstreamReconnect, s.cfg.CallID)
	(*sess).close()
	*sess = nil
}

// onResult runs on the provider callback goroutine. Every result is
// published immediately; finals are also kept for the aggregate unless the
// drain window has already sealed.
func (s *Streamer) onResult(r Result) {
	if strings.TrimSpace(r.Text) == "" {
		return
	}
	text := s.cfg.Redactor.Text(r.Text)
	isFinal := r.IsFinal || r.SpeechFinal
	ev := frames.TranscriptEvent{
		CallID:     s.cfg.CallID,
		Channel:    r.Channel,
		Kind:       frames.TranscriptInterim,
		Text:       text,
		Start:      r.Start,
		ReceivedAt: time.Now(),
	}
	if isFinal {
		ev.Kind = frames.TranscriptFinal
	}

	speaker := s.speakerFor(r.Channel)
	err := s.results.PublishTranscript(context.Background(), sink.TranscriptMessage{
		UniqueID:      s.cfg.CallID,
		Channel:       r.Channel,
		SpeakerName:   speaker.Name,
		SpeakerNumber: speaker.Number,
		Text:          text,
		IsFinal:       isFinal,
		Timestamp:     r.Start,
	})
	if err != nil {
		s.log.Error("transcript publish failed", "error", err)
	}

	if !isFinal {
		return
	}

	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		s.log.Warn("final arrived after drain window, omitted from aggregate",
			"channel", r.Channel, "text", text)
		metrics.Count(s.obs, metrics.EventLateFinal, s.cfg.CallID)
		return
	}
	s.finals = append(s.finals, ev)
	s.mu.Unlock()
}

// finish closes out the call: give in-flight audio a moment to flush,
// signal end of stream, then hold the drain window open for finals still
// traveling back before sealing and publishing the aggregate.
func (s *Streamer) finish(ctx context.Context, sess *session) error {
	if sess != nil {
		sleep(ctx, s.cfg.FlushGrace)
		sess.close()
	}
	sleep(ctx, s.cfg.DrainTimeout)

	s.mu.Lock()
	s.sealed = true
	finals := make([]frames.TranscriptEvent, len(s.finals))
	copy(finals, s.finals)
	s.mu.Unlock()

	transcript := s.aggregate(finals)
	s.log.Info("call drained", "finals", len(finals))
	if transcript == "" {
		return nil
	}
	err := s.results.PublishAggregate(context.Background(), sink.AggregateMessage{
		UniqueID:   s.cfg.CallID,
		Transcript: transcript,
	})
	if err != nil {
		s.log.Error("aggregate publish failed", "error", err)
		return err
	}
	return nil
}

// aggregate concatenates finals in arrival order, starting a new labeled
// block whenever the speaking channel changes.
func (s *Streamer) aggregate(finals []frames.TranscriptEvent) string {
	var b strings.Builder
	last := -1
	for _, f := range finals {
		if f.Channel != last {
			b.WriteString("\n" + s.speakerLabel(f.Channel) + ": ")
			last = f.Channel
		}
		b.WriteString(f.Text + "\n")
	}
	return b.String()
}

func (s *Streamer) speakerFor(channel int) sink.Speaker {
	if channel == 0 || channel == 1 {
		return s.cfg.Speakers[channel]
	}
	return sink.Speaker{}
}

func (s *Streamer) speakerLabel(channel int) string {
	sp := s.speakerFor(channel)
	if sp.Name != "" {
		return sp.Name
	}
	if sp.Number != "" {
		return sp.Number
	}
	return frames.Direction(channel).String()
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// session is one live upstream connection. The provider consumes audio
// from the read half of a pipe; done closes when its Stream loop exits so
// the owner can schedule a reconnect.
type session struct {
	t    Transcriber
	pw   *io.PipeWriter
	done chan struct{}

	closeOnce sync.Once
}

func startSession(t Transcriber) *session {
	pr, pw := io.Pipe()
	s := &session{t: t, pw: pw, done: make(chan struct{})}
	go func() {
		_ = t.Stream(pr)
		// Unblock any writer stuck on the pipe once the provider stops
		// reading.
		pr.CloseWithError(errors.New("upstream stream ended"))
		close(s.done)
	}()
	return s
}

func (s *session) write(pcm []byte) error {
	if _, err := s.pw.Write(pcm); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUpstreamSend)
	}
	return nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.pw.Close()
		s.t.Stop()
	})
}

// frameRing buffers audio across upstream gaps, evicting the oldest frame
// once full.
type frameRing struct {
	buf  []frames.InterleavedFrame
	max  int
	head int
	n    int
}

func newFrameRing(max int) *frameRing {
	return &frameRing{buf: make([]frames.InterleavedFrame, max), max: max}
}

// push adds a frame and reports whether an older frame was evicted.
func (r *frameRing) push(f frames.InterleavedFrame) bool {
	if r.n < r.max {
		r.buf[(r.head+r.n)%r.max] = f
		r.n++
		return false
	}
	r.buf[r.head] = f
	r.head = (r.head + 1) % r.max
	return true
}

func (r *frameRing) pop() (frames.InterleavedFrame, bool) {
	if r.n == 0 {
		return frames.InterleavedFrame{}, false
	}
	f := r.buf[r.head]
	r.buf[r.head] = frames.InterleavedFrame{}
	r.head = (r.head + 1) % r.max
	r.n--
	return f, true
}

func (r *frameRing) len() int { return r.n }
