package sink

import (
	"context"
	"log/slog"

	"github.com/voxbridge/voxbridge/pkg/logging"
)

// LogSink writes every result to the structured log. It is the default
// sink and the fallback for local development.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{log: logging.NewComponentLogger(logger, "sink.log")}
}

func (s *LogSink) PublishTranscript(_ context.Context, msg TranscriptMessage) error {
	s.log.Info("transcript",
		"uniqueid", msg.UniqueID,
		"channel", msg.Channel,
		"speaker_name", msg.SpeakerName,
		"speaker_number", msg.SpeakerNumber,
		"is_final", msg.IsFinal,
		"timestamp", msg.Timestamp,
		"text", msg.Text,
	)
	return nil
}

func (s *LogSink) PublishAggregate(_ context.Context, msg AggregateMessage) error {
	s.log.Info("aggregate transcript",
		"uniqueid", msg.UniqueID,
		"transcript", msg.Transcript,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
