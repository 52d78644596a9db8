package postgres

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// ConversationRepository is a storage.Store backed by postgres. A row lock on
// the conversation (SELECT ... FOR UPDATE) serializes mutations of one id;
// the conversations table doubles as the index.
type ConversationRepository struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
	now    func() time.Time
}

var _ storage.Store = (*ConversationRepository)(nil)

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(pool *pgxpool.Pool, logger logrus.FieldLogger) *ConversationRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConversationRepository{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

// GetOrCreate inserts the conversation unless it exists and returns the stored row.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, id, owner, surface, firstMessagePreview string) (*types.Conversation, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}

	surfaces := []string{}
	if surface != "" {
		surfaces = append(surfaces, surface)
	}
	now := dbTime(r.now())
	tag, err := r.pool.Exec(ctx, `
INSERT INTO conversations (id, owner, topic, surfaces, status, message_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'active', 0, $5, $5)
ON CONFLICT (id) DO NOTHING`,
		id, owner, types.TopicFromPreview(firstMessagePreview), surfaces, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		r.logger.WithFields(logrus.Fields{
			"conversation_id": id,
			"owner":           owner,
			"surface":         surface,
		}).Info("conversation created")
	}
	return r.Get(ctx, id)
}

// AppendMessage appends a message under the conversation's row lock.
func (r *ConversationRepository) AppendMessage(ctx context.Context, id string, in types.MessageInput) (*types.Message, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := storage.ValidateMessage(in); err != nil {
		return nil, err
	}

	var msg types.Message
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		conv, err := lockConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if conv.Status == types.StatusClosed {
			return fmt.Errorf("append to %s: %w", id, storage.ErrConversationClosed)
		}

		now := r.timestamp(conv)
		meta := maps.Clone(in.Meta)
		if meta == nil {
			meta = map[string]any{}
		}
		msg = types.Message{
			ID:        uuid.NewString(),
			Role:      in.Role,
			Content:   in.Content,
			Surface:   in.Surface,
			Mode:      in.Mode,
			Timestamp: now,
			Meta:      meta,
		}
		if err := insertMessage(ctx, tx, id, conv.MessageCount+1, msg); err != nil {
			return err
		}

		surfaces := conv.Surfaces
		if !slices.Contains(surfaces, in.Surface) {
			surfaces = append(surfaces, in.Surface)
		}
		_, err = tx.Exec(ctx, `
UPDATE conversations
SET message_count = message_count + 1, surfaces = $2, updated_at = $3
WHERE id = $1`, id, surfaces, now)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"conversation_id": id,
		"message_id":      msg.ID,
		"role":            msg.Role,
		"surface":         msg.Surface,
	}).Debug("message appended")
	return &msg, nil
}

// LinkArtifact appends an artifact link. Duplicates are kept.
func (r *ConversationRepository) LinkArtifact(ctx context.Context, id string, in types.ArtifactInput) (*types.Artifact, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := storage.ValidateArtifact(in); err != nil {
		return nil, err
	}

	var link types.Artifact
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		conv, err := lockConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		now := r.timestamp(conv)
		link = types.Artifact{
			Type:       in.Type,
			ID:         in.ID,
			Title:      in.Title,
			Confidence: in.Confidence,
			LinkedAt:   now,
		}
		if err := insertArtifact(ctx, tx, id, link); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// CloseConversation marks the conversation closed; closing twice changes nothing.
func (r *ConversationRepository) CloseConversation(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	closed := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		conv, err := lockConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if conv.Status == types.StatusClosed {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE conversations SET status = 'closed', updated_at = $2 WHERE id = $1`, id, r.timestamp(conv))
		if err != nil {
			return fmt.Errorf("close conversation: %w", err)
		}
		closed = true
		return nil
	})
	if err != nil {
		return err
	}
	if closed {
		r.logger.WithField("conversation_id", id).Info("conversation closed")
	}
	return nil
}

// Get reads the conversation with its messages and artifacts from one snapshot.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*types.Conversation, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}

	var conv *types.Conversation
	err := r.readOnly(ctx, func(tx pgx.Tx) error {
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
		if err != nil {
			return notFound(id, err)
		}
		if conv.Messages, err = selectMessages(ctx, tx, id, 0); err != nil {
			return err
		}
		if conv.Artifacts, err = selectArtifacts(ctx, tx, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	conv.MessageCount = len(conv.Messages)
	return conv, nil
}

// GetMessages returns the last limit messages, or all when limit <= 0.
func (r *ConversationRepository) GetMessages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}

	var msgs []types.Message
	err := r.readOnly(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		if !exists {
			return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		var err error
		msgs, err = selectMessages(ctx, tx, id, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// List returns summaries matching filter, most recently updated first.
func (r *ConversationRepository) List(ctx context.Context, filter types.ListFilter) ([]types.IndexEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+indexColumns+` FROM conversations
WHERE ($1::text = '' OR owner = $1::text)
  AND ($2::text = '' OR $2::text = ANY (surfaces))
  AND ($3::text = '' OR status = $3::text)
ORDER BY updated_at DESC, id`,
		filter.Owner, filter.Surface, string(filter.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	entries := []types.IndexEntry{}
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return entries, nil
}

func (r *ConversationRepository) readOnly(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, fn)
}

// timestamp never goes behind the row's updated_at.
func (r *ConversationRepository) timestamp(conv *types.Conversation) time.Time {
	now := dbTime(r.now())
	if now.Before(conv.UpdatedAt) {
		return conv.UpdatedAt
	}
	return now
}

// lockConversation loads the conversation row and holds its lock until tx ends.
func lockConversation(ctx context.Context, tx pgx.Tx, id string) (*types.Conversation, error) {
	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(id, err)
	}
	return conv, nil
}

func notFound(id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("get conversation %s: %w", id, err)
}
