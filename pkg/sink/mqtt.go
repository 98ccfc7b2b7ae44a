package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/resilience"
)

// MQTTConfig holds the broker settings for the MQTT sink.
type MQTTConfig struct {
	URL              string `mapstructure:"url"`
	TopicPrefix      string `mapstructure:"topic_prefix"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	QoS              int    `mapstructure:"qos"`
	ConnectRetries   int    `mapstructure:"connect_retries"`
	ConnectBackoffMs int    `mapstructure:"connect_backoff_ms"`
	PublishTimeoutMs int    `mapstructure:"publish_timeout_ms"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "voxbridge"
	}
	if c.QoS < 0 || c.QoS > 2 {
		c.QoS = 0
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectBackoffMs <= 0 {
		c.ConnectBackoffMs = 500
	}
	if c.PublishTimeoutMs <= 0 {
		c.PublishTimeoutMs = 5000
	}
	return c
}

// newMQTTClient is swapped out in tests.
var newMQTTClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// MQTTSink publishes transcript events and per-call aggregates to an
// MQTT broker. Transcript events go to {prefix}/transcription and the
// aggregate goes to {prefix}/final.
type MQTTSink struct {
	client         mqtt.Client
	topicPrefix    string
	qos            byte
	publishTimeout time.Duration
	log            *slog.Logger
}

func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errorsx.Wrap(fmt.Errorf("mqtt broker url is required"), errorsx.ReasonSinkConnect)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID("voxbridge-" + uuid.NewString()).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := newMQTTClient(opts)
	policy := resilience.NewRetryPolicy(cfg.ConnectRetries, time.Duration(cfg.ConnectBackoffMs)*time.Millisecond)
	err := policy.Do(func() error {
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("connect to %s timed out", cfg.URL)
		}
		return token.Error()
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSinkConnect)
	}

	return &MQTTSink{
		client:         client,
		topicPrefix:    cfg.TopicPrefix,
		qos:            byte(cfg.QoS),
		publishTimeout: time.Duration(cfg.PublishTimeoutMs) * time.Millisecond,
		log:            logging.NewComponentLogger(logger, "sink.mqtt"),
	}, nil
}

func (s *MQTTSink) PublishTranscript(ctx context.Context, msg TranscriptMessage) error {
	return s.publish(ctx, s.topicPrefix+"/transcription", msg)
}

func (s *MQTTSink) PublishAggregate(ctx context.Context, msg AggregateMessage) error {
	return s.publish(ctx, s.topicPrefix+"/final", msg)
}

func (s *MQTTSink) publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSinkPublish)
	}

	token := s.client.Publish(topic, s.qos, false, body)
	select {
	case <-token.Done():
	case <-time.After(s.publishTimeout):
		return errorsx.Wrap(fmt.Errorf("publish to %s timed out", topic), errorsx.ReasonSinkPublish)
	case <-ctx.Done():
		return errorsx.Wrap(ctx.Err(), errorsx.ReasonSinkPublish)
	}
	if err := token.Error(); err != nil {
		s.log.Error("publish failed", "topic", topic, "error", err)
		return errorsx.Wrap(err, errorsx.ReasonSinkPublish)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
