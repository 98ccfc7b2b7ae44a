package metrics

import "log/slog"

// SlogObserver emits every metric event to the structured log. It is the
// default production observer; heavier backends can replace it without
// touching call sites.
type SlogObserver struct {
	log *slog.Logger
}

func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{log: logger}
}

func (o *SlogObserver) RecordEvent(ev MetricsEvent) {
	attrs := make([]any, 0, 4+2*len(ev.Tags))
	attrs = append(attrs, "name", ev.Name, "value", ev.Value)
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	o.log.Debug("metric", attrs...)
}
