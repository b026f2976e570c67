// Package telegram delivers outbound messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/outbound"
)

const defaultRequestTimeout = 10 * time.Second

// Config controls the Telegram transport.
type Config struct {
	BotToken string

	// BaseURL overrides the Telegram API endpoint. Tests point this at a
	// local server; production leaves it empty.
	BaseURL string

	HTTPClient *http.Client
}

// Transport sends messages via the Bot API sendMessage method. It satisfies
// the outbound delivery worker's transport contract.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewTransport builds a Telegram transport.
func NewTransport(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, client: cfg.HTTPClient, logger: logger}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send posts one message to a chat. Rate limits, server errors, and network
// failures come back as plain errors so the delivery worker retries them;
// client errors (bad chat id, blocked bot) are wrapped as permanent.
func (t *Transport) Send(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	raw, _ := json.Marshal(payload)

	reqCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read sendMessage response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode sendMessage response: %w", err)
	}
	if resp.StatusCode == http.StatusOK && parsed.OK {
		return nil
	}

	desc := parsed.Description
	if desc == "" {
		desc = http.StatusText(resp.StatusCode)
	}
	err = fmt.Errorf("telegram sendMessage returned %d: %s", resp.StatusCode, desc)

	if permanentStatus(resp.StatusCode) {
		t.logger.Warn("telegram rejected message",
			zap.Int64("chat_id", chatID),
			zap.Int("status", resp.StatusCode),
			zap.String("description", desc))
		return outbound.Permanent(err)
	}
	return err
}

// permanentStatus reports whether a status code means retrying the same
// message can never succeed. 429 stays retryable.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

func (t *Transport) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.cfg.BaseURL, t.cfg.BotToken, method)
}
