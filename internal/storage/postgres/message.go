package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertMessage(ctx context.Context, tx pgx.Tx, convID string, seq int, msg types.Message) error {
	meta, err := metaToJSONB(msg.Meta)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO conversation_messages (conversation_id, seq, id, role, content, surface, mode, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
		convID, seq, msg.ID, string(msg.Role), msg.Content, msg.Surface, msg.Mode, meta, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// selectMessages returns the last limit messages of a conversation in append
// order, or all of them when limit <= 0.
func selectMessages(ctx context.Context, q querier, convID string, limit int) ([]types.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = q.Query(ctx, `
SELECT `+messageColumns+` FROM (
    SELECT seq, `+messageColumns+` FROM conversation_messages
    WHERE conversation_id = $1
    ORDER BY seq DESC
    LIMIT $2
) AS tail
ORDER BY seq`, convID, limit)
	} else {
		rows, err = q.Query(ctx, `
SELECT `+messageColumns+` FROM conversation_messages
WHERE conversation_id = $1
ORDER BY seq`, convID)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	msgs := []types.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

func insertArtifact(ctx context.Context, tx pgx.Tx, convID string, a types.Artifact) error {
	_, err := tx.Exec(ctx, `
INSERT INTO conversation_artifacts (conversation_id, seq, artifact_type, artifact_id, title, confidence, linked_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
FROM conversation_artifacts WHERE conversation_id = $1`,
		convID, a.Type, a.ID, a.Title, a.Confidence, a.LinkedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func selectArtifacts(ctx context.Context, q querier, convID string) ([]types.Artifact, error) {
	rows, err := q.Query(ctx, `
SELECT `+artifactColumns+` FROM conversation_artifacts
WHERE conversation_id = $1
ORDER BY seq`, convID)
	if err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	defer rows.Close()

	out := []types.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	return out, nil
}
