package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/logging"
)

// ClientConfig carries the control-plane endpoint and the media parameters
// sent with external-media requests.
type ClientConfig struct {
	URL         string
	Application string
	Username    string
	Password    string

	// MediaFormat is the PBX-side format requested for external media.
	MediaFormat string
	// ExternalHost is the host:port the PBX should send media to, i.e. the
	// ingest router's advertised address.
	ExternalHost string

	RequestTimeout time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.URL == "" {
		c.URL = "http://localhost:8088"
	}
	if c.Application == "" {
		c.Application = "voxbridge"
	}
	if c.MediaFormat == "" {
		c.MediaFormat = "slin16"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// ExternalMediaChannel is the result of an external-media creation: the new
// channel plus the UDP source port the PBX assigned for this direction.
type ExternalMediaChannel struct {
	Channel   Channel
	LocalPort int
}

// Bridge is the subset of the ARI bridge resource this system consumes.
type Bridge struct {
	ID string `json:"id"`
}

// Client issues control-plane commands over the ARI REST surface and owns
// the event websocket. Commands are synchronous request/response; every
// failure is returned to the caller, never retried here, since resource
// creation is not idempotent against a live PBX.
type Client struct {
	cfg   ClientConfig
	httpc *http.Client
	log   *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.RequestTimeout},
		log:   logging.NewComponentLogger(logger, "ari_client"),
	}
}

func (c *Client) Application() string { return c.cfg.Application }

// CreateSnoop attaches a read-only audio tap to a live channel, spying on
// both directions.
func (c *Client) CreateSnoop(ctx context.Context, channelID, snoopID string) (Channel, error) {
	params := url.Values{}
	params.Set("spy", "both")
	params.Set("app", c.cfg.Application)
	params.Set("snoopId", snoopID)
	params.Set("subscribeAll", "yes")

	var ch Channel
	err := c.request(ctx, http.MethodPost, "/channels/"+channelID+"/snoop", params, &ch)
	return ch, err
}

// CreateExternalMedia allocates a PBX-side channel that streams audio over
// UDP to the ingest router and returns the source port assigned to it.
func (c *Client) CreateExternalMedia(ctx context.Context, mediaID string) (ExternalMediaChannel, error) {
	params := url.Values{}
	params.Set("app", c.cfg.Application)
	params.Set("external_host", c.cfg.ExternalHost)
	params.Set("format", c.cfg.MediaFormat)
	params.Set("channelId", mediaID)

	var ch Channel
	if err := c.request(ctx, http.MethodPost, "/channels/externalMedia", params, &ch); err != nil {
		return ExternalMediaChannel{}, err
	}
	portVar := ch.Vars["UNICASTRTP_LOCAL_PORT"]
	port, err := strconv.Atoi(strings.TrimSpace(portVar))
	if err != nil || port <= 0 {
		return ExternalMediaChannel{}, errorsx.Wrap(
			fmt.Errorf("external media %s: missing UNICASTRTP_LOCAL_PORT (got %q)", mediaID, portVar),
			errorsx.ReasonControlCommand)
	}
	return ExternalMediaChannel{Channel: ch, LocalPort: port}, nil
}

// CreateBridge allocates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) (Bridge, error) {
	params := url.Values{}
	params.Set("type", "mixing")
	params.Set("bridgeId", bridgeID)

	var b Bridge
	err := c.request(ctx, http.MethodPost, "/bridges", params, &b)
	return b, err
}

// AddToBridge joins a channel into a bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	return c.request(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", params, nil)
}

// ContinueChannel returns a channel to the dialplan once capture is live.
func (c *Client) ContinueChannel(ctx context.Context, channelID string) error {
	return c.request(ctx, http.MethodPost, "/channels/"+channelID+"/continue", nil, nil)
}

// HangupChannel tears down a channel; used for auxiliary resource cleanup.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// DeleteBridge removes a bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.request(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, out any) error {
	u := strings.TrimRight(c.cfg.URL, "/") + "/ari" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonControlCommand)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	c.log.Debug("control-plane command", slog.String("method", method), slog.String("path", path))
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("%s %s: %w", method, path, err), errorsx.ReasonControlCommand)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errorsx.Wrap(
			fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body))),
			errorsx.ReasonControlCommand)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errorsx.Wrap(fmt.Errorf("%s %s: decode response: %w", method, path, err), errorsx.ReasonControlCommand)
	}
	return nil
}
