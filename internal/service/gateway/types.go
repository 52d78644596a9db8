package gateway

import (
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// SurfaceContext carries what the calling surface knows about its environment.
type SurfaceContext struct {
	FilePath      string `json:"file_path,omitempty"`
	Workspace     string `json:"workspace,omitempty"`
	ScreenContext string `json:"screen_context,omitempty"`
	PageURL       string `json:"page_url,omitempty"`
	Selection     string `json:"selection,omitempty"`
}

// Request is the inbound envelope every surface sends.
type Request struct {
	UserID         string          `json:"user_id"`
	SurfaceID      string          `json:"surface_id"`
	ConversationID string          `json:"conversation_id"`
	Message        string          `json:"message"`
	ModeHint       string          `json:"mode_hint,omitempty"`
	SurfaceContext *SurfaceContext `json:"surface_context,omitempty"`
	// RequestID doubles as the idempotency key when no Idempotency-Key header is sent.
	RequestID string `json:"request_id,omitempty"`
	// AuthenticatedUser is set by the transport when the caller proved who
	// they are. The conversation must then belong to that user.
	AuthenticatedUser string `json:"-"`
}

// ArtifactReference points at a library artifact used in a reply.
type ArtifactReference struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ActionReference is an action the caller may offer to the user.
type ActionReference struct {
	Type                 string `json:"type"`
	ID                   string `json:"id"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
}

// Envelope is the response returned to every surface.
type Envelope struct {
	Reply          string              `json:"reply"`
	Mode           string              `json:"mode"`
	ConversationID string              `json:"conversation_id"`
	Source         string              `json:"source"`
	Version        string              `json:"version"`
	Artifacts      []ArtifactReference `json:"artifacts"`
	Actions        []ActionReference   `json:"actions"`
	Meta           map[string]any      `json:"meta"`
}

// ResponderInput is what a Responder sees of a turn.
type ResponderInput struct {
	ConversationID string
	UserID         string
	SurfaceID      string
	Mode           string
	Message        string
	// History holds the most recent messages, ending with the user turn just recorded.
	History        []types.Message
	SurfaceContext *SurfaceContext
}

// Reply is a Responder's answer.
type Reply struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Artifacts    []types.ArtifactInput
	Actions      []ActionReference
}

// Tokens returns the total token count of the reply.
func (r *Reply) Tokens() int {
	return r.InputTokens + r.OutputTokens
}
