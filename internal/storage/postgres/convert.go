package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// Postgres keeps microseconds; truncating up front makes returned values
// equal to what a later read sees.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// JSONB conversions

func metaToJSONB(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message meta: %w", err)
	}
	return data, nil
}

func metaFromJSONB(data []byte) (map[string]any, error) {
	meta := map[string]any{}
	if len(data) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode message meta: %w", err)
	}
	return meta, nil
}

func extraToJSONB(extra map[string]json.RawMessage) ([]byte, error) {
	if extra == nil {
		extra = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra fields: %w", err)
	}
	return data, nil
}

func extraFromJSONB(data []byte) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("decode extra fields: %w", err)
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// Row scanning

const conversationColumns = `id, owner, topic, surfaces, tags, status, message_count, extra, created_at, updated_at`

func scanConversation(row pgx.Row) (*types.Conversation, error) {
	var (
		conv   types.Conversation
		status string
		extra  []byte
	)
	if err := row.Scan(
		&conv.ID,
		&conv.Owner,
		&conv.Topic,
		&conv.Surfaces,
		&conv.Tags,
		&status,
		&conv.MessageCount,
		&extra,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conv.Status = types.Status(status)
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	if conv.Surfaces == nil {
		conv.Surfaces = []string{}
	}
	if conv.Tags == nil {
		conv.Tags = []string{}
	}
	var err error
	if conv.Extra, err = extraFromJSONB(extra); err != nil {
		return nil, err
	}
	return &conv, nil
}

const indexColumns = `id, topic, owner, surfaces, created_at, updated_at, message_count, status`

func scanIndexEntry(row pgx.Row) (types.IndexEntry, error) {
	var (
		e      types.IndexEntry
		status string
	)
	err := row.Scan(&e.ID, &e.Topic, &e.Owner, &e.Surfaces, &e.CreatedAt, &e.UpdatedAt, &e.MessageCount, &status)
	if err != nil {
		return types.IndexEntry{}, err
	}
	e.Status = types.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.Surfaces == nil {
		e.Surfaces = []string{}
	}
	return e, nil
}

const messageColumns = `id, role, content, surface, mode, meta, created_at`

func scanMessage(row pgx.Row) (types.Message, error) {
	var (
		m    types.Message
		role string
		meta []byte
	)
	if err := row.Scan(&m.ID, &role, &m.Content, &m.Surface, &m.Mode, &meta, &m.Timestamp); err != nil {
		return types.Message{}, err
	}
	m.Role = types.MessageRole(role)
	m.Timestamp = m.Timestamp.UTC()
	var err error
	if m.Meta, err = metaFromJSONB(meta); err != nil {
		return types.Message{}, err
	}
	return m, nil
}

const artifactColumns = `artifact_type, artifact_id, title, confidence, linked_at`

func scanArtifact(row pgx.Row) (types.Artifact, error) {
	var a types.Artifact
	if err := row.Scan(&a.Type, &a.ID, &a.Title, &a.Confidence, &a.LinkedAt); err != nil {
		return types.Artifact{}, err
	}
	a.LinkedAt = a.LinkedAt.UTC()
	return a, nil
}
