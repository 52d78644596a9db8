package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Responder produces the assistant reply for a turn.
type Responder interface {
	Respond(ctx context.Context, in ResponderInput) (*Reply, error)
}

// ErrResponderFailed is matched by every *ResponderError.
var ErrResponderFailed = errors.New("responder failed")

// ResponderError reports a failed or timed out responder call. The user
// message of the turn has already been recorded in ConversationID.
type ResponderError struct {
	ConversationID string
	Err            error
}

func (e *ResponderError) Error() string {
	return fmt.Sprintf("responder failed for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *ResponderError) Unwrap() error {
	return e.Err
}

func (e *ResponderError) Is(target error) bool {
	return target == ErrResponderFailed
}

// PlaceholderReply is returned by the placeholder responder.
const PlaceholderReply = "Maestra Core is operational. This is a placeholder response. Wire to actual orchestration logic."

// PlaceholderResponder answers every turn with PlaceholderReply at no cost.
type PlaceholderResponder struct{}

func (PlaceholderResponder) Respond(ctx context.Context, _ ResponderInput) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Reply{Text: PlaceholderReply, Model: "placeholder"}, nil
}
