package ari

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/resilience"
)

// StreamEvents connects the control-plane websocket and delivers decoded
// events in arrival order. The first dial must succeed; afterwards the
// stream reconnects with exponential backoff until ctx is cancelled, so a
// transient control-plane outage never kills the process. The returned
// channel closes when ctx ends.
//
// A malformed message discards only that message; the connection stays up.
func (c *Client) StreamEvents(ctx context.Context, backoff resilience.BackoffConfig) (<-chan Event, error) {
	conn, err := c.dialEvents(ctx)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonControlConnect)
	}
	c.log.Info("control-plane event stream connected", slog.String("app", c.cfg.Application))

	events := make(chan Event, 64)
	go c.streamLoop(ctx, conn, events, resilience.NewBackoff(backoff))
	return events, nil
}

func (c *Client) streamLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event, bo *resilience.Backoff) {
	defer close(events)
	for {
		c.readEvents(ctx, conn, events)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		// Reconnect with backoff; events from live calls keep flowing once
		// the websocket is back.
		for {
			delay := bo.Next()
			c.log.Warn("control-plane event stream lost, reconnecting",
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := c.dialEvents(ctx)
			if err != nil {
				c.log.Error("control-plane reconnect failed", slog.String("error", err.Error()))
				continue
			}
			conn = next
			bo.Reset()
			c.log.Info("control-plane event stream reconnected")
			break
		}
	}
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, events chan<- Event) {
	// Cancellation must unblock ReadMessage, same as the media socket's
	// close-on-cancel.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := DecodeEvent(msg)
		if err != nil {
			c.log.Warn("discarding malformed control-plane event", slog.String("error", err.Error()))
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.RequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("events websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("events websocket: %w", err)
	}
	return conn, nil
}

func (c *Client) eventsURL() (string, error) {
	base, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("control-plane url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/ari/events"
	q := url.Values{}
	q.Set("app", c.cfg.Application)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	base.RawQuery = q.Encode()
	return base.String(), nil
}
