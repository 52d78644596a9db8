package types

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid reports whether r is one of the two supported roles.
func (r MessageRole) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// TopicMaxChars is the number of characters of the first message kept as the topic.
const TopicMaxChars = 100

// Conversation is the durable record shared by every surface that addresses its id.
type Conversation struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	Topic        string     `json:"topic"`
	Surfaces     []string   `json:"surfaces"`
	Tags         []string   `json:"tags"`
	Messages     []Message  `json:"messages"`
	Artifacts    []Artifact `json:"artifacts"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MessageCount int        `json:"message_count"`

	// Extra holds fields written by other tooling so that a rewrite keeps them.
	Extra map[string]json.RawMessage `json:"-"`
}

// Message represents a single turn in a conversation.
type Message struct {
	ID        string         `json:"id"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	Surface   string         `json:"surface"`
	Mode      string         `json:"mode,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta"`
}

// Artifact links a conversation to an external knowledge object.
type Artifact struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Confidence float64   `json:"confidence"`
	LinkedAt   time.Time `json:"linked_at"`
}

// IndexEntry is the denormalized summary of one conversation.
type IndexEntry struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Owner        string    `json:"owner"`
	Surfaces     []string  `json:"surfaces"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Status       Status    `json:"status"`
}

// ListFilter narrows a conversation listing. Empty fields match everything.
type ListFilter struct {
	Owner   string
	Surface string
	Status  Status
}

// Matches reports whether e satisfies every non-empty field of f.
func (f ListFilter) Matches(e IndexEntry) bool {
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Surface != "" && !slices.Contains(e.Surfaces, f.Surface) {
		return false
	}
	return true
}

// MessageInput carries the caller-supplied part of a new message.
type MessageInput struct {
	Role    MessageRole
	Content string
	Surface string
	Mode    string
	Meta    map[string]any
}

// ArtifactInput carries the caller-supplied part of an artifact link.
type ArtifactInput struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Confidence float64 `json:"confidence"`
}

// TopicFromPreview derives a topic from the first message of a conversation.
func TopicFromPreview(preview string) string {
	runes := []rune(preview)
	if len(runes) > TopicMaxChars {
		return string(runes[:TopicMaxChars])
	}
	return preview
}

// HasSurface reports whether surface already participated in the conversation.
func (c *Conversation) HasSurface(surface string) bool {
	return slices.Contains(c.Surfaces, surface)
}

// IndexEntry returns the index summary of the conversation.
func (c *Conversation) IndexEntry() IndexEntry {
	return IndexEntry{
		ID:           c.ID,
		Topic:        c.Topic,
		Owner:        c.Owner,
		Surfaces:     slices.Clone(c.Surfaces),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: c.MessageCount,
		Status:       c.Status,
	}
}

// Clone returns a copy that shares no slices or maps with c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Surfaces = slices.Clone(c.Surfaces)
	out.Tags = slices.Clone(c.Tags)
	out.Artifacts = slices.Clone(c.Artifacts)
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Meta = maps.Clone(m.Meta)
		out.Messages[i] = m
	}
	out.Extra = maps.Clone(c.Extra)
	return &out
}

// conversationJSON has the same fields as Conversation without its methods.
type conversationJSON Conversation

var conversationFields = map[string]struct{}{
	"id": {}, "owner": {}, "topic": {}, "surfaces": {}, "tags": {}, "messages": {},
	"artifacts": {}, "status": {}, "created_at": {}, "updated_at": {}, "message_count": {},
}

// legacyMeta is the nested bookkeeping block of records written before
// status and timestamps moved to the top level.
type legacyMeta struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
}

// MarshalJSON writes the known fields and re-emits any preserved unknown ones.
func (c Conversation) MarshalJSON() ([]byte, error) {
	c.MessageCount = len(c.Messages)
	if c.Surfaces == nil {
		c.Surfaces = []string{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.Artifacts == nil {
		c.Artifacts = []Artifact{}
	}
	known, err := json.Marshal(conversationJSON(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return known, nil
	}

	fields := make(map[string]json.RawMessage, len(conversationFields)+len(c.Extra))
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := conversationFields[k]; ok {
			continue
		}
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads a record, keeping unknown fields in Extra and lifting the
// legacy nested meta block when the top-level fields are absent.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var known conversationJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields["meta"]; ok && known.Status == "" {
		var meta legacyMeta
		if err := json.Unmarshal(raw, &meta); err == nil && meta.Status != "" {
			known.Status = meta.Status
			known.CreatedAt = meta.CreatedAt
			known.UpdatedAt = meta.UpdatedAt
			delete(fields, "meta")
		}
	}

	known.Extra = nil
	for k, v := range fields {
		if _, ok := conversationFields[k]; ok {
			continue
		}
		if known.Extra == nil {
			known.Extra = make(map[string]json.RawMessage)
		}
		known.Extra[k] = v
	}
	known.MessageCount = len(known.Messages)

	*c = Conversation(known)
	return nil
}
