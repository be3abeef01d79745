package respond

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestResponder(t *testing.T, handler http.HandlerFunc) *ChatResponder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewChatResponder(&Config{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL + "/v1",
	}, zerolog.Nop())
}

func completionJSON(answer string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + mustJSON(answer) + `}}]}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestChatResponder_Ask(t *testing.T) {
	var got chatRequest
	r := newTestResponder(t, func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("Rain forms when water vapor condenses.")))
	})

	answer, err := r.Ask(context.Background(), "what is rain", nil)
	require.NoError(t, err)
	assert.Equal(t, "Rain forms when water vapor condenses.", answer)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "what is rain", got.Messages[1].Content)
}

func TestChatResponder_SendsHistoryInOrder(t *testing.T) {
	var got chatRequest
	r := newTestResponder(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("It means water turning into vapor.")))
	})

	history := []Turn{
		{User: "what is rain", Assistant: "Water falling from clouds."},
		{User: "what makes clouds", Assistant: "Evaporated water condensing."},
	}
	_, err := r.Ask(context.Background(), "what does evaporated mean", history)
	require.NoError(t, err)

	// system + 2 history pairs + question
	require.Len(t, got.Messages, 6)
	assert.Equal(t, "what is rain", got.Messages[1].Content)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "what does evaporated mean", got.Messages[5].Content)
}

func TestChatResponder_EmptyAnswer(t *testing.T) {
	r := newTestResponder(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("   ")))
	})

	_, err := r.Ask(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrEmptyAnswer)
}

func TestChatResponder_UpstreamError(t *testing.T) {
	r := newTestResponder(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	_, err := r.Ask(context.Background(), "hello", nil)
	assert.Error(t, err)
}
