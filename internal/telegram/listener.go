package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Update is a Telegram Update object (partial schema).
type Update struct {
	UpdateID int `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

type updateResponse struct {
	Ok          bool     `json:"ok"`
	Result      []Update `json:"result"`
	Description string   `json:"description"`
	ErrorCode   int      `json:"error_code"`
}

// CommandHandler processes one operator command and returns the reply text.
type CommandHandler func(ctx context.Context, command string) string

// StartListener long-polls for operator commands until ctx is cancelled.
// Blocking; run it in a goroutine. Only messages from the configured chat are
// processed.
func (c *Client) StartListener(ctx context.Context, handler CommandHandler) {
	if c.token == "" || c.chatID == "" {
		log.Println("Telegram Listener: Credentials missing, disabled.")
		return
	}

	authChatID, err := strconv.ParseInt(c.chatID, 10, 64)
	if err != nil {
		log.Printf("Telegram Listener: invalid chat id %q, disabled.", c.chatID)
		return
	}

	// http.Client with no timeout: the getUpdates long poll holds the
	// connection open for up to 60s.
	poller := &http.Client{}
	offset := 0

	log.Println("Telegram Listener: Started")

	for {
		if ctx.Err() != nil {
			log.Println("Telegram Listener: Stopped")
			return
		}

		url := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?offset=%d&timeout=60", c.token, offset)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := poller.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("Telegram Listener: Stopped")
				return
			}
			log.Printf("Telegram Listener Error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		var result updateResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			resp.Body.Close()
			log.Printf("Telegram Decode Error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		resp.Body.Close()

		if !result.Ok {
			log.Printf("Telegram API Error: %s (Code: %d)", result.Description, result.ErrorCode)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, update := range result.Result {
			offset = update.UpdateID + 1

			// Access Control
			if update.Message.Chat.ID != authChatID {
				log.Printf("⚠️ UNAUTHORIZED ACCESS ATTEMPT: User %s (ID: %d) tried: %s",
					update.Message.From.Username, update.Message.Chat.ID, update.Message.Text)
				// No reply to unauthorized users to avoid leaking the bot's existence
				continue
			}

			text := strings.TrimSpace(update.Message.Text)
			if strings.HasPrefix(text, "/") {
				log.Printf("Command received: %s", text)
				c.Notify(handler(ctx, text))
			}
		}
	}
}
