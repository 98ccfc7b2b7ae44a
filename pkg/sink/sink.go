package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxbridge/voxbridge/pkg/configutil"
)

// Speaker is the identity attached to one audio leg of a call.
type Speaker struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// TranscriptMessage is the structured message published for every
// transcript event, interim and final.
type TranscriptMessage struct {
	UniqueID      string  `json:"uniqueid"`
	Channel       int     `json:"channel"`
	SpeakerName   string  `json:"speaker_name,omitempty"`
	SpeakerNumber string  `json:"speaker_number,omitempty"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"is_final"`
	Timestamp     float64 `json:"timestamp"`
}

// AggregateMessage carries the concatenated final transcript published once
// per call at call end.
type AggregateMessage struct {
	UniqueID   string `json:"uniqueid"`
	Transcript string `json:"transcript"`
}

// ResultSink is the boundary to the external publish/aggregation consumers.
type ResultSink interface {
	PublishTranscript(ctx context.Context, msg TranscriptMessage) error
	PublishAggregate(ctx context.Context, msg AggregateMessage) error
	Close() error
}

// New builds the configured sink from a provider name and its free-form
// settings map.
func New(provider string, settings map[string]any, logger *slog.Logger) (ResultSink, error) {
	switch provider {
	case "", "log":
		return NewLogSink(logger), nil
	case "mqtt":
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"topic_prefix", "username", "password", "qos", "connect_retries", "connect_backoff_ms", "publish_timeout_ms"},
		}); err != nil {
			return nil, fmt.Errorf("mqtt sink settings: %w", err)
		}
		var cfg MQTTConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("mqtt sink settings: %w", err)
		}
		return NewMQTTSink(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown sink provider %q", provider)
	}
}
