package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramNotifier sends push messages through the Telegram Bot API.
type TelegramNotifier struct {
	baseURL    string
	chatID     string
	httpClient *http.Client
}

// NewTelegram creates a Telegram notifier for the given bot token and chat.
func NewTelegram(botToken, chatID string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TelegramNotifier{
		baseURL:    "https://api.telegram.org/bot" + botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (n *TelegramNotifier) SetBaseURL(url string) {
	n.baseURL = url
}

type telegramSendRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification"`
}

type telegramSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the summary to the configured chat.
// https://core.telegram.org/bots/api#sendmessage
func (n *TelegramNotifier) Send(ctx context.Context, summary string) error {
	reqBody := telegramSendRequest{
		ChatID: n.chatID,
		Text:   summary,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return &SendError{Transport: "telegram", Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, n.baseURL+"/sendMessage", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return &SendError{Transport: "telegram", Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return &SendError{Transport: "telegram", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &SendError{Transport: "telegram", Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var sendResp telegramSendResponse
		if json.Unmarshal(respBody, &sendResp) == nil && sendResp.Description != "" {
			return &SendError{
				Transport: "telegram",
				Err:       fmt.Errorf("API error (%d): %s", resp.StatusCode, sendResp.Description),
			}
		}
		return &SendError{
			Transport: "telegram",
			Err:       fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	return nil
}
