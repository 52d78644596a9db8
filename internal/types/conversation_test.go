package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationJSON_KeepsUnknownFields(t *testing.T) {
	in := `{"id":"c1","owner":"jh","status":"active","messages":[],"workspace":{"root":"/repo"},"priority":3}`

	var conv Conversation
	require.NoError(t, json.Unmarshal([]byte(in), &conv))
	assert.Equal(t, "c1", conv.ID)
	require.Len(t, conv.Extra, 2)

	out, err := json.Marshal(conv)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(out, &raw))
	assert.Equal(t, map[string]any{"root": "/repo"}, raw["workspace"])
	assert.EqualValues(t, 3, raw["priority"])
	assert.Equal(t, []any{}, raw["surfaces"])
	assert.EqualValues(t, 0, raw["message_count"])
}

func TestConversationJSON_ExtraCannotShadowKnownFields(t *testing.T) {
	conv := Conversation{ID: "c1", Extra: map[string]json.RawMessage{"id": json.RawMessage(`"other"`)}}
	out, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":"c1"`)
	assert.NotContains(t, string(out), "other")
}

func TestConversationJSON_LiftsLegacyMeta(t *testing.T) {
	in := `{"id":"c1","messages":[{"id":"m1","role":"user","content":"hi","surface":"cli","timestamp":"2025-11-12T09:00:01Z","meta":{}}],
"meta":{"status":"closed","created_at":"2025-11-12T09:00:00Z","updated_at":"2025-11-12T09:00:01Z","message_count":1}}`

	var conv Conversation
	require.NoError(t, json.Unmarshal([]byte(in), &conv))
	assert.Equal(t, StatusClosed, conv.Status)
	assert.Equal(t, 1, conv.MessageCount)
	assert.True(t, conv.UpdatedAt.Equal(time.Date(2025, 11, 12, 9, 0, 1, 0, time.UTC)))
	assert.NotContains(t, conv.Extra, "meta")
}

func TestConversationJSON_MessageCountFollowsMessages(t *testing.T) {
	var conv Conversation
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","status":"active","message_count":7,"messages":[]}`), &conv))
	assert.Zero(t, conv.MessageCount)

	conv.Messages = append(conv.Messages, Message{ID: "m1", Role: RoleUser})
	out, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"message_count":1`)
}

func TestTopicFromPreview(t *testing.T) {
	assert.Equal(t, "short", TopicFromPreview("short"))
	assert.Equal(t, strings.Repeat("ü", TopicMaxChars), TopicFromPreview(strings.Repeat("ü", 130)))
	assert.Empty(t, TopicFromPreview(""))
}

func TestListFilterMatches(t *testing.T) {
	e := IndexEntry{ID: "c1", Owner: "jh", Surfaces: []string{"cli", "mobile"}, Status: StatusActive}

	assert.True(t, ListFilter{}.Matches(e))
	assert.True(t, ListFilter{Owner: "jh", Surface: "mobile", Status: StatusActive}.Matches(e))
	assert.False(t, ListFilter{Owner: "amy"}.Matches(e))
	assert.False(t, ListFilter{Surface: "windsurf"}.Matches(e))
	assert.False(t, ListFilter{Status: StatusClosed}.Matches(e))
}

func TestCloneSharesNothing(t *testing.T) {
	conv := &Conversation{
		ID:       "c1",
		Surfaces: []string{"cli"},
		Messages: []Message{{ID: "m1", Meta: map[string]any{"k": "v"}}},
	}
	cp := conv.Clone()
	cp.Surfaces[0] = "x"
	cp.Messages[0].Meta["k"] = "changed"
	cp.Messages = append(cp.Messages, Message{ID: "m2"})

	assert.Equal(t, "cli", conv.Surfaces[0])
	assert.Equal(t, "v", conv.Messages[0].Meta["k"])
	assert.Len(t, conv.Messages, 1)
}
