package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names recorded by the media and transcription paths.
const (
	EventRoutingMiss       = "rtp_routing_miss"
	EventMalformedDatagram = "rtp_malformed"
	EventQueueDrop         = "queue_drop"
	EventGapBufferDrop     = "gap_buffer_drop"
	EventUpstreamReconnect = "upstream_reconnect"
	EventLateFinal         = "late_final"
	EventCallStarted       = "call_started"
	EventCallEnded         = "call_ended"
	EventCallFailed        = "call_failed"
)

// Count records a single occurrence of a named event for a call. The call
// tag may be empty for process-wide events.
func Count(obs Observer, name, callID string) {
	if obs == nil {
		return
	}
	ev := MetricsEvent{Name: name, Time: time.Now(), Value: 1}
	if callID != "" {
		ev.Tags = map[string]string{"call_id": callID}
	}
	obs.RecordEvent(ev)
}
