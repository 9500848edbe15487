package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-sentinel/internal/model"
)

func oracleResponse(text string) string {
	resp := apiResponse{
		ID:      "msg_test",
		Type:    "message",
		Role:    "assistant",
		Content: []apiContentBlock{{Type: "text", Text: text}},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func testMessage() model.Message {
	return model.Message{
		ID:         "<m1@example.com>",
		AccountID:  "work",
		Sender:     "noreply@deals.example",
		Subject:    "LAST CHANCE: 90% off",
		Body:       "click here before midnight",
		ReceivedAt: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	}
}

func newOracle(t *testing.T, handler http.HandlerFunc) *AnthropicClassifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewAnthropic("test-key", "", 5*time.Second, nil)
	c.SetAPIURL(srv.URL)
	return c
}

func TestClassify_DecodesVerdict(t *testing.T) {
	c := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content[0].Text, "LAST CHANCE")

		w.Write([]byte(oracleResponse(
			`{"priority": "junk", "confidence": 0.97, "reasoning": "promotional blast", "summary": ""}`,
		)))
	})

	v, err := c.Classify(context.Background(), testMessage(), "newsletters are junk")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityJunk, v.Priority)
	assert.Equal(t, 0.97, v.Confidence)
	assert.Equal(t, "promotional blast", v.Reasoning)
}

func TestClassify_ToleratesCodeFences(t *testing.T) {
	c := newOracle(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(oracleResponse(
			"```json\n{\"priority\": \"important\", \"confidence\": 0.8, \"summary\": \"boss wants a reply\"}\n```",
		)))
	})

	v, err := c.Classify(context.Background(), testMessage(), "")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityImportant, v.Priority)
	assert.Equal(t, "boss wants a reply", v.Summary)
}

func TestClassify_SummaryOnlyForImportant(t *testing.T) {
	c := newOracle(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(oracleResponse(
			`{"priority": "normal", "confidence": 0.6, "summary": "should be discarded"}`,
		)))
	})

	v, err := c.Classify(context.Background(), testMessage(), "")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, v.Priority)
	assert.Empty(t, v.Summary)
}

func TestClassify_MalformedJSONIsClassificationError(t *testing.T) {
	c := newOracle(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(oracleResponse("I think this email is probably junk.")))
	})

	_, err := c.Classify(context.Background(), testMessage(), "")
	require.Error(t, err)
	assert.True(t, IsClassificationError(err))
}

func TestClassify_UnknownPriorityIsClassificationError(t *testing.T) {
	c := newOracle(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(oracleResponse(`{"priority": "urgent", "confidence": 0.9}`)))
	})

	_, err := c.Classify(context.Background(), testMessage(), "")
	require.Error(t, err)
	assert.True(t, IsClassificationError(err))
}

func TestClassify_APIErrorIsClassificationError(t *testing.T) {
	c := newOracle(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
	})

	_, err := c.Classify(context.Background(), testMessage(), "")
	require.Error(t, err)
	assert.True(t, IsClassificationError(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestBuildPrompt_IncludesRulesAndTruncatesBody(t *testing.T) {
	msg := testMessage()
	long := make([]byte, bodyMaxLen+500)
	for i := range long {
		long[i] = 'a'
	}
	msg.Body = string(long)

	prompt := buildPrompt(msg, "mail from finance@ is important")

	assert.Contains(t, prompt, "mail from finance@ is important")
	assert.Contains(t, prompt, "From: noreply@deals.example")
	assert.Less(t, len(prompt), bodyMaxLen+1000)
}

func TestBuildPrompt_TruncatesOnRuneBoundary(t *testing.T) {
	msg := testMessage()
	// The leading ASCII byte misaligns the cut point into the middle
	// of a 2-byte rune.
	msg.Body = "a" + strings.Repeat("é", bodyMaxLen)

	prompt := buildPrompt(msg, "")
	assert.True(t, utf8.ValidString(prompt), "body truncation must not split a rune")
}

func TestDecodeVerdict_CaseInsensitivePriority(t *testing.T) {
	v, err := decodeVerdict(`{"priority": "Important", "confidence": 0.5, "summary": "s"}`)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityImportant, v.Priority)
}
