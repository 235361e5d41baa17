// Package ari is a minimal client for an Asterisk-style REST interface:
// the call-control plane this service consumes. It covers only the
// operations the recorder needs — external-media channel creation, bridge
// listing and membership, origination — plus the application event stream.
// Every call is safe to retry; a 404 maps to ErrNotFound so teardown races
// can be treated as benign.
package ari

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/icholy/digest"
)

// ErrNotFound is returned when the control plane reports that the target
// entity no longer exists. During cleanup races this is expected.
var ErrNotFound = errors.New("ari: entity not found")

// IsNotFound reports whether err is the control plane's not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Config holds the control-plane connection settings.
type Config struct {
	// BaseURL is the HTTP root, e.g. "http://127.0.0.1:8088".
	BaseURL  string
	Username string
	Password string
	// Application is the event-stream application name.
	Application string
	// AuthScheme is "basic" (default) or "digest".
	AuthScheme string
}

// Client talks to the control plane over HTTP.
type Client struct {
	base   *url.URL
	httpc  *http.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient validates the configuration and builds the HTTP client. With
// the digest scheme, authentication is handled by a challenge-aware
// transport; otherwise basic auth headers are attached per request.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing control-plane url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("control-plane url must be http or https, got %q", cfg.BaseURL)
	}

	httpc := &http.Client{Timeout: 10 * time.Second}
	if cfg.AuthScheme == "digest" {
		httpc.Transport = &digest.Transport{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	return &Client{
		base:   base,
		httpc:  httpc,
		cfg:    cfg,
		logger: logger.With("subsystem", "ari-client"),
	}, nil
}

// Application returns the configured event application name.
func (c *Client) Application() string {
	return c.cfg.Application
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.cfg.AuthScheme != "digest" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: %w", method, p, ErrNotFound)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, p, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := decodeJSON(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, p, err)
	}
	return nil
}

// Channel fetches a channel's current state.
func (c *Client) Channel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/ari/channels/"+url.PathEscape(id), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ExternalMedia creates the synthetic media leg: a channel whose audio the
// control plane sends as RTP to externalHost. The channel id is chosen by
// the caller so the leg can be registered locally before this call returns.
func (c *Client) ExternalMedia(ctx context.Context, channelID, externalHost, format string) (*Channel, error) {
	q := url.Values{
		"channelId":       {channelID},
		"app":             {c.cfg.Application},
		"external_host":   {externalHost},
		"format":          {format},
		"encapsulation":   {"rtp"},
		"transport":       {"udp"},
		"connection_type": {"client"},
		"direction":       {"both"},
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/ari/channels/externalMedia", q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Originate places an outbound call leg into the dialplan at
// context/extension, priority 1.
func (c *Client) Originate(ctx context.Context, endpoint, extension, dialContext string) (*Channel, error) {
	q := url.Values{
		"endpoint":  {endpoint},
		"extension": {extension},
		"context":   {dialContext},
		"priority":  {"1"},
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/ari/channels", q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Hangup tears down a channel. A not-found error means it is already gone.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/channels/"+url.PathEscape(channelID), nil, nil)
}

// Bridges lists all mixing contexts with their current membership.
func (c *Client) Bridges(ctx context.Context) ([]Bridge, error) {
	var out []Bridge
	if err := c.do(ctx, http.MethodGet, "/ari/bridges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Bridge fetches one mixing context by id.
func (c *Client) Bridge(ctx context.Context, id string) (*Bridge, error) {
	var b Bridge
	if err := c.do(ctx, http.MethodGet, "/ari/bridges/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBridge creates a named mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, name string) (*Bridge, error) {
	q := url.Values{
		"type": {"mixing"},
		"name": {name},
	}
	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/ari/bridges", q, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddChannel adds a channel to a mixing context. Adding a channel that is
// already a member succeeds on the control-plane side.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/ari/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}
