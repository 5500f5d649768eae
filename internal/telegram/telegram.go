// Package telegram is the chat transport: it delivers confirmation prompts
// to the operator and feeds their replies back through a long-poll loop.
//
// It speaks the Bot API directly over HTTP; the surface used here is
// sendMessage, sendChatAction and getUpdates.
package telegram

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
)

const maxMessageLen = 4096

// Update mirrors the Bot API update envelope.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// User identifies a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// SendOptions shapes the reply markup attached to an outbound message.
type SendOptions struct {
	// Keyboard rows rendered as a one-time reply keyboard.
	Keyboard [][]string
	// ForceReply prompts the client for a free-text answer.
	ForceReply bool
	// RemoveKeyboard clears any previously shown keyboard.
	RemoveKeyboard bool
}

// Client sends and receives operator chat messages.
type Client struct {
	token    string
	baseURL  string
	operator int64
	httpc    *http.Client
	log      *slog.Logger
}

// New returns a Client for the given bot token. Messages from any chat other
// than operator are dropped. baseURL overrides the Bot API host for tests.
func New(token string, operator int64, baseURL string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		token:    token,
		baseURL:  baseURL,
		operator: operator,
		httpc:    &http.Client{Timeout: 65 * time.Second},
		log:      log,
	}
}

// Operator returns the configured operator chat id.
func (c *Client) Operator() int64 {
	return c.operator
}

// SendMessage delivers text to the operator, splitting over the 4096-char
// limit. MarkdownV2 is attempted first; on rejection each chunk falls back
// to plain text so a formatting error never loses the message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) error {
	chunks := splitMessage(text)
	for i, chunk := range chunks {
		// Markup goes on the last chunk so the keyboard ends the prompt.
		var chunkOpts *SendOptions
		if i == len(chunks)-1 {
			chunkOpts = opts
		}
		if err := c.sendChunk(ctx, chatID, chunk, "MarkdownV2", chunkOpts); err != nil {
			if err2 := c.sendChunk(ctx, chatID, chunk, "", chunkOpts); err2 != nil {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err2)
			}
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, chatID int64, text, parseMode string, opts *SendOptions) error {
	vals := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}
	if parseMode != "" {
		vals.Set("parse_mode", parseMode)
	}
	if opts != nil {
		markup := map[string]any{}
		switch {
		case len(opts.Keyboard) > 0:
			markup["keyboard"] = opts.Keyboard
			markup["one_time_keyboard"] = true
			markup["resize_keyboard"] = true
		case opts.ForceReply:
			markup["force_reply"] = true
		}
		if opts.RemoveKeyboard && len(opts.Keyboard) == 0 {
			markup["remove_keyboard"] = true
		}
		if len(markup) > 0 {
			b, err := json.Marshal(markup)
			if err != nil {
				return fmt.Errorf("encode reply markup: %w", err)
			}
			vals.Set("reply_markup", string(b))
		}
	}
	return c.call(ctx, "sendMessage", vals, nil)
}

// SendTyping shows a typing indicator; failures are ignored by callers.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	vals := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"action":  {"typing"},
	}
	return c.call(ctx, "sendChatAction", vals, nil)
}

// StartTyping keeps the typing indicator alive until the returned cancel
// function runs. Telegram expires the indicator after ~5 seconds.
func (c *Client) StartTyping(ctx context.Context, chatID int64) (cancel func()) {
	done := make(chan struct{})
	go func() {
		_ = c.SendTyping(ctx, chatID)
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.SendTyping(ctx, chatID)
			}
		}
	}()
	return func() { close(done) }
}

// Poll long-polls getUpdates and invokes handler for each text message from
// the operator chat. It returns when ctx is cancelled. Handler panics are
// recovered so one bad message cannot kill the loop.
func (c *Client) Poll(ctx context.Context, handler func(ctx context.Context, chatID int64, text string)) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := c.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("getUpdates failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			msg := u.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			if msg.Chat.ID != c.operator {
				c.log.Warn("dropping message from unauthorized chat", "chat", msg.Chat.ID)
				continue
			}
			c.dispatch(ctx, handler, msg)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, handler func(context.Context, int64, string), msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling chat message", "message_id", msg.MessageID, "panic", r)
		}
	}()
	handler(ctx, msg.Chat.ID, strings.TrimSpace(msg.Text))
}

func (c *Client) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	vals := url.Values{
		"timeout": {"30"},
	}
	if offset > 0 {
		vals.Set("offset", strconv.FormatInt(offset, 10))
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", vals, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// call posts one Bot API method and decodes its envelope.
func (c *Client) call(ctx context.Context, method string, vals url.Values, result any) error {
	apiURL := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(vals.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s decode (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s", method, envelope.Description)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s result decode: %w", method, err)
		}
	}
	return nil
}

// EscapeMarkdown escapes the characters MarkdownV2 reserves.
func EscapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
		"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
		">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
		"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
		".", "\\.", "!", "\\!",
	)
	return replacer.Replace(text)
}

// splitMessage cuts text into chunks within the Bot API length limit,
// preferring newline boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}
		cut := maxMessageLen
		for i := cut - 1; i > 0; i-- {
			if text[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}
