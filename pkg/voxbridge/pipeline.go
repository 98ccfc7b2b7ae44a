package voxbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/interleave"
	"github.com/voxbridge/voxbridge/pkg/lifecycle"
	"github.com/voxbridge/voxbridge/pkg/metrics"
	"github.com/voxbridge/voxbridge/pkg/redact"
	"github.com/voxbridge/voxbridge/pkg/resilience"
	"github.com/voxbridge/voxbridge/pkg/sink"
	"github.com/voxbridge/voxbridge/pkg/transcribe"
)

// capturePipeline glues the per-call stages together: two direction queues
// feed the interleaver, whose stereo frames feed the upstream streamer.
type capturePipeline struct {
	cfg      StreamConfig
	factory  transcribe.TranscriberFactory
	results  sink.ResultSink
	obs      metrics.Observer
	redactor *redact.Redactor
	log      *slog.Logger

	wg sync.WaitGroup
}

func newCapturePipeline(cfg StreamConfig, factory transcribe.TranscriberFactory, results sink.ResultSink, obs metrics.Observer, redactor *redact.Redactor, logger *slog.Logger) *capturePipeline {
	return &capturePipeline{
		cfg:      cfg,
		factory:  factory,
		results:  results,
		obs:      obs,
		redactor: redactor,
		log:      logger,
	}
}

// Start launches the interleaver and streamer for one call. The returned
// stop function cancels the interleaver, which closes the frame channel and
// lets the streamer run its drain; stop blocks until the aggregate is out.
// The streamer deliberately gets no call context: the drain window must
// survive the call itself.
func (p *capturePipeline) Start(call lifecycle.PipelineCall) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	iv := interleave.New(call.CallID, call.Queues[0], call.Queues[1],
		time.Duration(p.cfg.InterleaveMs)*time.Millisecond, p.log)

	st := transcribe.NewStreamer(transcribe.StreamerConfig{
		CallID:          call.CallID,
		Speakers:        call.Speakers,
		Language:        call.Language,
		GapBufferFrames: p.cfg.GapBufferFrames,
		FlushGrace:      time.Duration(p.cfg.FlushGraceMs) * time.Millisecond,
		DrainTimeout:    time.Duration(p.cfg.DrainTimeoutMs) * time.Millisecond,
		Reconnect: resilience.BackoffConfig{
			Base:       time.Duration(p.cfg.Reconnect.BaseMs) * time.Millisecond,
			Multiplier: p.cfg.Reconnect.Multiplier,
			Max:        time.Duration(p.cfg.Reconnect.MaxMs) * time.Millisecond,
			Jitter:     p.cfg.Reconnect.Jitter,
		},
		Redactor: p.redactor,
	}, p.factory, p.results, p.obs, p.log)

	drained := make(chan struct{})
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		iv.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		defer close(drained)
		if err := st.Run(context.Background(), iv.Frames()); err != nil {
			p.log.Error("pipeline drain incomplete", "call_id", call.CallID, "error", err)
		}
	}()

	stop := func() {
		cancel()
		<-drained
	}
	return stop, nil
}

// Wait blocks until every running pipeline has drained.
func (p *capturePipeline) Wait() {
	p.wg.Wait()
}
