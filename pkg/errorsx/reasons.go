package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Control-plane failures.
	ReasonControlConnect ReasonCode = "control_connect"
	ReasonControlCommand ReasonCode = "control_command"
	ReasonSetupFailure   ReasonCode = "setup_failure"

	// Media ingest failures.
	ReasonMediaBind ReasonCode = "media_bind"

	// Upstream transcription failures.
	ReasonUpstreamConnect ReasonCode = "upstream_connect"
	ReasonUpstreamSend    ReasonCode = "upstream_send"

	// Result publishing failures.
	ReasonSinkConnect ReasonCode = "sink_connect"
	ReasonSinkPublish ReasonCode = "sink_publish"
)
