// Package ibkr implements the broker.Gateway interface against the IBKR
// Client Portal gateway (the locally-running REST/websocket bridge).
package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
)

// Client holds the HTTP plumbing shared by all gateway calls.
type Client struct {
	baseURL   string
	accountID string
	http      *http.Client
	wsDial    func(ctx context.Context) (wsConn, error)
}

// New returns a gateway client for the Client Portal instance at baseURL,
// e.g. "https://localhost:5000/v1/api". The portal serves a self-signed
// certificate on localhost, so verification is skipped for the loopback
// deployment it is designed for.
func New(baseURL, accountID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	c.wsDial = c.dialWS
	return c
}

// Ensure Client implements the gateway interface.
var _ broker.Gateway = (*Client)(nil)

// doJSON performs one request and decodes the JSON body into out (when out is
// non-nil). Network errors and 5xx responses are wrapped as transient
// broker.ErrUnavailable; 4xx responses are terminal.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ibkr %s %s: encode: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ibkr %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return broker.Unavailable(fmt.Sprintf("ibkr %s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.Unavailable(fmt.Sprintf("ibkr %s %s: read body", method, path), err)
	}

	switch {
	case resp.StatusCode >= 500:
		return broker.Unavailable(fmt.Sprintf("ibkr %s %s", method, path),
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200)))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("ibkr %s %s: %w", method, path, broker.ErrOrderNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("ibkr %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw, 200))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ibkr %s %s: decode %q: %w", method, path, truncate(raw, 200), err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
