// Package storage defines the conversation store contract shared by the file
// and postgres backends, and the errors both report.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

var (
	// ErrNotFound is returned when a conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrCorruptRecord is returned when a persisted record cannot be parsed.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrConversationClosed is returned when a message is appended to a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")
	// ErrConcurrentWriteConflict signals a lost update. The per-conversation lock
	// makes it unreachable; seeing it means the locking discipline is broken.
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")
	// ErrInvalidInput is returned for empty ids, unknown roles and similar caller errors.
	ErrInvalidInput = errors.New("invalid input")
)

// CorruptRecordError identifies the record that failed to parse.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrCorruptRecord
}

// Store is the durable, per-conversation serialized conversation log.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetOrCreate returns the conversation with id, creating it when absent.
	GetOrCreate(ctx context.Context, id, owner, surface, firstMessagePreview string) (*types.Conversation, error)
	// AppendMessage appends one message and returns it with its store-assigned id and timestamp.
	AppendMessage(ctx context.Context, id string, in types.MessageInput) (*types.Message, error)
	// LinkArtifact appends an artifact link.
	LinkArtifact(ctx context.Context, id string, in types.ArtifactInput) (*types.Artifact, error)
	// Get returns a snapshot of the last committed state.
	Get(ctx context.Context, id string) (*types.Conversation, error)
	// GetMessages returns the last limit messages, or all of them when limit <= 0.
	GetMessages(ctx context.Context, id string, limit int) ([]types.Message, error)
	// CloseConversation marks the conversation closed. Closing twice is a no-op.
	CloseConversation(ctx context.Context, id string) error
	// List returns index entries matching filter, most recently updated first.
	List(ctx context.Context, filter types.ListFilter) ([]types.IndexEntry, error)
}

// ValidateMessage checks the caller-supplied part of a message.
func ValidateMessage(in types.MessageInput) error {
	if !in.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if in.Surface == "" {
		return fmt.Errorf("%w: surface is required", ErrInvalidInput)
	}
	if in.Role == types.RoleAssistant && in.Mode == "" {
		return fmt.Errorf("%w: assistant messages require a mode", ErrInvalidInput)
	}
	return nil
}

// ValidateArtifact checks the caller-supplied part of an artifact link.
func ValidateArtifact(in types.ArtifactInput) error {
	if in.Type == "" || in.ID == "" {
		return fmt.Errorf("%w: artifact type and id are required", ErrInvalidInput)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidInput, in.Confidence)
	}
	return nil
}

// ValidateID rejects the empty conversation id.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	return nil
}

// Tail returns the last limit messages of msgs, or all of them when limit <= 0.
func Tail(msgs []types.Message, limit int) []types.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
