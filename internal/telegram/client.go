// Package telegram is the messaging surface of the engine: outbound
// notifications for position events and an inbound long-poll listener for
// operator commands.
package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Client sends messages to one Telegram chat.
type Client struct {
	token  string
	chatID string
	http   *http.Client
}

// NewClient builds a client. Empty credentials yield a client that logs and
// drops every message instead of crashing the engine.
func NewClient(token, chatID string) *Client {
	return &Client{
		token:  token,
		chatID: chatID,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Notify sends a Markdown message to the configured chat. Failures are logged
// and swallowed: notification delivery never gates engine state.
func (c *Client) Notify(text string) {
	if c.token == "" || c.chatID == "" {
		log.Println("Warning: Telegram credentials missing, skipping notification")
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.token)

	payload := map[string]string{
		"chat_id":    c.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, _ := json.Marshal(payload)

	resp, err := c.http.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Printf("Telegram Alert Failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Telegram API Error: Status %s", resp.Status)
	}
}
