package transcribe

import (
	"context"
	"fmt"
	"log/slog"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voxbridge/voxbridge/pkg/logging"
)

// DeepgramConfig holds the provider settings shared by every call.
type DeepgramConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	UtteranceEndMs int    `mapstructure:"utterance_end_ms"`
	Interim        bool   `mapstructure:"interim"`
	Punctuate      bool   `mapstructure:"punctuate"`
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.UtteranceEndMs == 0 {
		c.UtteranceEndMs = 1000
	}
	return c
}

// DeepgramFactory opens Deepgram live-transcription sessions. The stream is
// always two-channel linear16, one call direction per channel.
type DeepgramFactory struct {
	cfg DeepgramConfig
	log *slog.Logger
}

func NewDeepgramFactory(cfg DeepgramConfig, logger *slog.Logger) (*DeepgramFactory, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	return &DeepgramFactory{
		cfg: cfg,
		log: logging.NewComponentLogger(logger, "deepgram"),
	}, nil
}

func (f *DeepgramFactory) New(ctx context.Context, language string, onResult func(Result)) (Transcriber, error) {
	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	// A language advertised by the call's channel wins over the configured one.
	if language == "" {
		language = f.cfg.Language
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          f.cfg.Model,
		Language:       language,
		Encoding:       "linear16",
		SampleRate:     f.cfg.SampleRate,
		Channels:       2,
		Multichannel:   true,
		InterimResults: f.cfg.Interim,
		Punctuate:      f.cfg.Punctuate,
		UtteranceEndMs: fmt.Sprintf("%d", f.cfg.UtteranceEndMs),
	}

	cb := &resultCallback{onResult: onResult, log: f.log}
	dg, err := client.NewWSUsingCallback(ctx, f.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return nil, err
	}
	return dg, nil
}

// resultCallback translates Deepgram websocket events into Results. It runs
// on the SDK's read goroutine and must not block.
type resultCallback struct {
	onResult   func(Result)
	log        *slog.Logger
	metaLogged bool
}

func (c *resultCallback) Open(*msginterfaces.OpenResponse) error {
	c.log.Debug("connection opened")
	return nil
}

func (c *resultCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	channel := 0
	if len(mr.ChannelIndex) > 0 {
		channel = mr.ChannelIndex[0]
	}

	c.onResult(Result{
		Channel:     channel,
		Text:        transcript,
		IsFinal:     mr.IsFinal,
		SpeechFinal: mr.SpeechFinal,
		Start:       mr.Start,
	})
	return nil
}

func (c *resultCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.log.Info("stream metadata received", "request_id", md.RequestID)
	}
	return nil
}

func (c *resultCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *resultCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.log.Debug("utterance end")
	return nil
}

func (c *resultCallback) Close(*msginterfaces.CloseResponse) error {
	c.log.Debug("connection closed")
	return nil
}

func (c *resultCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.log.Error("provider error", "code", er.ErrCode, "message", er.ErrMsg)
	return nil
}

func (c *resultCallback) UnhandledEvent(byData []byte) error {
	c.log.Debug("unhandled event", "data", string(byData))
	return nil
}
