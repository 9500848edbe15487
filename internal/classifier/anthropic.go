package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nhle/mail-sentinel/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"

	// bodyMaxLen bounds how much of a message body is sent to the oracle.
	bodyMaxLen = 4000
)

// AnthropicClassifier classifies messages by delegating to the Anthropic
// Messages API with a JSON-only response contract.
type AnthropicClassifier struct {
	apiKey    string
	apiURL    string
	modelName string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

// NewAnthropic creates a classifier backed by the Anthropic Messages API.
// An empty modelName selects the default model; timeout bounds each call.
func NewAnthropic(apiKey, modelName string, timeout time.Duration, logger *slog.Logger) *AnthropicClassifier {
	if modelName == "" {
		modelName = defaultModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AnthropicClassifier{
		apiKey:    apiKey,
		apiURL:    defaultAPIURL,
		modelName: modelName,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// SetAPIURL overrides the API endpoint. Used by tests.
func (c *AnthropicClassifier) SetAPIURL(url string) {
	c.apiURL = url
}

// Classify sends one message to the oracle and decodes the verdict.
func (c *AnthropicClassifier) Classify(
	ctx context.Context,
	msg model.Message,
	rules string,
) (model.Verdict, error) {
	resp, err := c.callAPI(ctx, buildPrompt(msg, rules))
	if err != nil {
		return model.Verdict{}, &ClassificationError{MessageID: msg.ID, Err: err}
	}

	verdict, err := decodeVerdict(resp)
	if err != nil {
		return model.Verdict{}, &ClassificationError{MessageID: msg.ID, Err: err}
	}

	c.logger.Debug("classified message",
		"message_id", msg.ID,
		"priority", verdict.Priority,
		"confidence", verdict.Confidence,
	)

	return verdict, nil
}

// callAPI makes a single request to the Messages API and returns the
// concatenated text content of the response.
func (c *AnthropicClassifier) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     c.modelName,
		MaxTokens: c.maxTokens,
		System: "You are an email triage assistant. You respond with a " +
			"single JSON object and nothing else.",
		Messages: []apiMessage{
			{Role: "user", Content: []apiContentBlock{{Type: "text", Text: prompt}}},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.apiURL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling oracle API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("empty oracle response")
	}

	return sb.String(), nil
}

// buildPrompt constructs the classification prompt from the operator's
// rule text and the message snapshot.
func buildPrompt(msg model.Message, rules string) string {
	body := msg.Body
	if len(body) > bodyMaxLen {
		// Cut on a rune boundary so the prompt stays valid UTF-8.
		cut := bodyMaxLen
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}

	var sb strings.Builder
	sb.WriteString("Classify the following email into exactly one of: ")
	sb.WriteString("\"important\", \"normal\", \"junk\".\n\n")

	if rules != "" {
		sb.WriteString("Classification criteria:\n")
		sb.WriteString(rules)
		sb.WriteString("\n\n")
	}

	sb.WriteString("EMAIL:\n")
	sb.WriteString("From: " + msg.Sender + "\n")
	sb.WriteString("Subject: " + msg.Subject + "\n")
	sb.WriteString("Received: " + msg.ReceivedAt.Format(time.RFC1123) + "\n\n")
	sb.WriteString(body)
	sb.WriteString("\n\nRespond with a JSON object containing:\n")
	sb.WriteString("- priority: \"important\", \"normal\", or \"junk\"\n")
	sb.WriteString("- confidence: 0.0-1.0\n")
	sb.WriteString("- reasoning: brief explanation\n")
	sb.WriteString("- summary: concise 140-character summary\n")

	return sb.String()
}

// verdictResponse is the JSON shape the prompt asks the oracle to produce.
type verdictResponse struct {
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Summary    string  `json:"summary"`
}

// decodeVerdict parses the oracle's text output into a Verdict. Models
// occasionally wrap JSON in code fences; tolerate that but nothing else.
func decodeVerdict(text string) (model.Verdict, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var vr verdictResponse
	if err := json.Unmarshal([]byte(trimmed), &vr); err != nil {
		return model.Verdict{}, fmt.Errorf("malformed verdict JSON: %w", err)
	}

	priority := model.Priority(strings.ToLower(vr.Priority))
	if !priority.Valid() {
		return model.Verdict{}, fmt.Errorf("unknown priority %q", vr.Priority)
	}

	v := model.Verdict{
		Priority:   priority,
		Confidence: vr.Confidence,
		Reasoning:  vr.Reasoning,
	}
	if priority == model.PriorityImportant {
		v.Summary = vr.Summary
	}
	return v, nil
}

// --- Messages API wire types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
