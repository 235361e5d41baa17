package ari

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Reconnect backoff bounds for the event stream.
	streamBackoffMin = time.Second
	streamBackoffMax = 30 * time.Second

	// eventChanSize buffers decoded events between the socket reader and
	// the consumer so a slow handler does not stall the websocket.
	eventChanSize = 64
)

// Events opens the application event stream and returns a channel of
// decoded events. The stream reconnects with backoff on any failure and
// only stops when ctx is cancelled, at which point the channel is closed.
// Undecodable frames are logged and skipped.
func (c *Client) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, eventChanSize)

	go func() {
		defer close(out)

		backoff := streamBackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, err := c.dialEvents(ctx)
			if err != nil {
				c.logger.Warn("event stream connect failed",
					"error", err,
					"retry_in", backoff.String(),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, streamBackoffMax)
				continue
			}

			c.logger.Info("event stream connected", "app", c.cfg.Application)
			backoff = streamBackoffMin

			c.readEvents(ctx, conn, out)
			conn.Close()
		}
	}()

	return out
}

// dialEvents builds the websocket URL from the REST base and connects.
// Credentials go in the api_key query parameter, which the control plane
// accepts for websocket upgrades regardless of auth scheme.
func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ari/events"
	u.RawQuery = url.Values{
		"app":          {c.cfg.Application},
		"api_key":      {c.cfg.Username + ":" + c.cfg.Password},
		"subscribeAll": {"true"},
	}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// readEvents pumps frames from one connection until it fails or ctx ends.
func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, out chan<- Event) {
	// Unblock the blocking read when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("event stream read error", "error", err)
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("undecodable event frame", "error", err)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
