package ari

import (
	"encoding/json"
	"fmt"
)

// CallerID is the identity attached to one side of a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is the subset of the ARI channel resource this system consumes.
type Channel struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	State     string            `json:"state"`
	Language  string            `json:"language"`
	Caller    CallerID          `json:"caller"`
	Connected CallerID          `json:"connected"`
	Vars      map[string]string `json:"channelvars"`
}

// Event is the tagged variant over the control-plane event kinds this
// system reacts to. Unrecognized kinds decode to UnknownEvent and are
// ignored by the consumer rather than erroring.
type Event interface {
	EventType() string
}

// StasisStart announces a channel entering the application. For auxiliary
// snoop/media channels it doubles as the command acknowledgment.
type StasisStart struct {
	Channel Channel
	Args    []string
}

func (StasisStart) EventType() string { return "StasisStart" }

// StasisEnd announces a channel leaving the application.
type StasisEnd struct {
	Channel Channel
}

func (StasisEnd) EventType() string { return "StasisEnd" }

// ChannelDestroyed is the terminal lifecycle event for a channel.
type ChannelDestroyed struct {
	Channel  Channel
	Cause    int
	CauseTxt string
}

func (ChannelDestroyed) EventType() string { return "ChannelDestroyed" }

// ChannelHangupRequest precedes destruction when a party hangs up.
type ChannelHangupRequest struct {
	Channel Channel
	Cause   int
}

func (ChannelHangupRequest) EventType() string { return "ChannelHangupRequest" }

// ChannelLeftBridge fires when any member leaves a bridge; a snoop or media
// channel leaving its capture bridge ends the call's capture.
type ChannelLeftBridge struct {
	Channel  Channel
	BridgeID string
}

func (ChannelLeftBridge) EventType() string { return "ChannelLeftBridge" }

// UnknownEvent carries the type tag of an event kind this system ignores.
type UnknownEvent struct {
	Type string
}

func (e UnknownEvent) EventType() string { return e.Type }

type rawEvent struct {
	Type     string   `json:"type"`
	Channel  Channel  `json:"channel"`
	Args     []string `json:"args"`
	Cause    int      `json:"cause"`
	CauseTxt string   `json:"cause_txt"`
	Bridge   struct {
		ID string `json:"id"`
	} `json:"bridge"`
}

// DecodeEvent parses one control-plane message into its typed event. A
// malformed message yields an error so the caller can discard just that
// message without tearing down the connection.
func DecodeEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed control-plane event: %w", err)
	}
	switch raw.Type {
	case "StasisStart":
		return StasisStart{Channel: raw.Channel, Args: raw.Args}, nil
	case "StasisEnd":
		return StasisEnd{Channel: raw.Channel}, nil
	case "ChannelDestroyed":
		return ChannelDestroyed{Channel: raw.Channel, Cause: raw.Cause, CauseTxt: raw.CauseTxt}, nil
	case "ChannelHangupRequest":
		return ChannelHangupRequest{Channel: raw.Channel, Cause: raw.Cause}, nil
	case "ChannelLeftBridge":
		return ChannelLeftBridge{Channel: raw.Channel, BridgeID: raw.Bridge.ID}, nil
	case "":
		return nil, fmt.Errorf("control-plane event missing type tag")
	default:
		return UnknownEvent{Type: raw.Type}, nil
	}
}
