package ibkr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 25 * time.Second
	reconnectBase      = 1 * time.Second
	reconnectCap       = 30 * time.Second
)

// wsConn is the subset of *websocket.Conn the stream loop uses, extracted so
// tests can run the loop against a fake connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

func (c *Client) dialWS(ctx context.Context) (wsConn, error) {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1) + "/ws"

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StreamOrderUpdates opens the live-orders websocket channel and emits
// normalized order events. The returned channel is closed only when ctx is
// cancelled; connection drops are handled internally with exponential
// backoff capped at 30s, and the poll fallback covers any events missed
// during the gap.
func (c *Client) StreamOrderUpdates(ctx context.Context) (<-chan models.OrderUpdateEvent, error) {
	out := make(chan models.OrderUpdateEvent, 64)

	go func() {
		defer close(out)
		backoff := reconnectBase

		for {
			if ctx.Err() != nil {
				return
			}

			conn, err := c.wsDial(ctx)
			if err != nil {
				log.Printf("[stream] connect failed: %v (retry in %s)", err, backoff)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}

			log.Printf("[stream] connected, subscribing to live orders")
			if err := conn.WriteMessage(websocket.TextMessage, []byte("sor+{}")); err != nil {
				log.Printf("[stream] subscribe failed: %v", err)
				conn.Close()
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}

			connectedAt := time.Now()
			if c.readLoop(ctx, conn, out) {
				return // ctx cancelled
			}
			conn.Close()

			backoff = backoffAfter(time.Since(connectedAt), backoff)
			log.Printf("[stream] connection lost, reconnecting in %s", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
		}
	}()

	return out, nil
}

// readLoop pumps frames until the connection breaks or ctx is cancelled.
// Returns true when the caller should stop for good.
func (c *Client) readLoop(ctx context.Context, conn wsConn, out chan<- models.OrderUpdateEvent) bool {
	done := make(chan struct{})
	defer close(done)

	// The portal drops idle sessions; tic frames keep it alive.
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return true
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return ctx.Err() != nil
		}

		var msg sorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Heartbeats and topic acks are not sor frames; skip quietly.
			continue
		}
		if msg.Topic != "sor" {
			continue
		}

		now := time.Now()
		for i := range msg.Args {
			ev, ok := msg.Args[i].toOrderUpdate(now)
			if !ok {
				log.Printf("[stream] dropping order frame without id: %s", truncate(raw, 120))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return true
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

// backoffAfter picks the reconnect delay after a dropped connection. A
// connection that outlived the cap was healthy, so the ladder restarts from
// the base instead of staying pinned at the cap after one long outage.
func backoffAfter(held, current time.Duration) time.Duration {
	if held > reconnectCap {
		return reconnectBase
	}
	return nextBackoff(current)
}
