package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

func TestResponder_Respond(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant",
"content":[{"type":"text","text":"Do X"}],"stop_reason":"end_turn",
"usage":{"input_tokens":1000,"output_tokens":200}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
	r := NewResponder(client, 512, Pricing{InputPerMTok: 3, OutputPerMTok: 15})

	reply, err := r.Respond(context.Background(), gateway.ResponderInput{
		ConversationID: "c1",
		SurfaceID:      "windsurf",
		Mode:           "advisor",
		Message:        "What next?",
		History: []types.Message{
			{Role: types.RoleAssistant, Content: "stale greeting"},
			{Role: types.RoleUser, Content: "Hi"},
			{Role: types.RoleAssistant, Content: "Hello"},
			{Role: types.RoleUser, Content: "What next?"},
		},
		SurfaceContext: &gateway.SurfaceContext{Workspace: "/repo"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Do X", reply.Text)
	assert.Equal(t, "claude-test", reply.Model)
	assert.Equal(t, 1200, reply.Tokens())
	assert.InDelta(t, 0.006, reply.CostUSD, 1e-12)

	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, 512, got.MaxTokens)
	assert.Contains(t, got.System, "advisor mode")
	assert.Contains(t, got.System, "/repo")
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "What next?", got.Messages[2].Content)
}

func TestResponder_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	r := NewResponder(NewClient("k", "m", WithBaseURL(srv.URL)), 0, Pricing{})
	_, err := r.Respond(context.Background(), gateway.ResponderInput{Message: "hi"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_error", apiErr.Type)
}

func TestMessagesFromHistory_MergesSameRole(t *testing.T) {
	msgs := messagesFromHistory([]types.Message{
		{Role: types.RoleUser, Content: "one"},
		{Role: types.RoleUser, Content: "two"},
		{Role: types.RoleAssistant, Content: ""},
		{Role: types.RoleAssistant, Content: "reply"},
		{Role: types.RoleUser, Content: "three"},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, "one\n\ntwo", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "three", msgs[2].Content)
}

func TestMessagesFromHistory_EndsOnUserTurn(t *testing.T) {
	// Another surface finished its turn between our user message and the history read.
	msgs := messagesFromHistory([]types.Message{
		{Role: types.RoleUser, Content: "What next?"},
		{Role: types.RoleUser, Content: "from mobile"},
		{Role: types.RoleAssistant, Content: "mobile reply"},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "What next?\n\nfrom mobile", msgs[0].Content)

	assert.Empty(t, messagesFromHistory([]types.Message{{Role: types.RoleAssistant, Content: "only"}}))
}
