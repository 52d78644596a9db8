package postgres

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

func setupTestRepository(t *testing.T) *ConversationRepository {
	t.Helper()
	dsn := os.Getenv("MAESTRA_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("MAESTRA_TEST_DATABASE_DSN not set; skipping postgres integration test")
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx := context.Background()
	db, err := New(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return NewConversationRepository(db.Pool(), logger)
}

func testID(t *testing.T) string {
	t.Helper()
	id := "test-" + uuid.NewString()
	return id
}

func cleanup(t *testing.T, r *ConversationRepository, ids ...string) {
	t.Cleanup(func() {
		for _, id := range ids {
			_, _ = r.pool.Exec(context.Background(), `DELETE FROM conversations WHERE id = $1`, id)
		}
	})
}

func TestConversationRepository_LifeCycle(t *testing.T) {
	r := setupTestRepository(t)
	ctx := context.Background()
	id := testID(t)
	cleanup(t, r, id)

	conv, err := r.GetOrCreate(ctx, id, "jh", "windsurf", "What next?")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, conv.Status)
	assert.Equal(t, []string{"windsurf"}, conv.Surfaces)

	again, err := r.GetOrCreate(ctx, id, "amy", "mobile", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "jh", again.Owner)
	assert.True(t, conv.CreatedAt.Equal(again.CreatedAt))

	_, err = r.AppendMessage(ctx, id, types.MessageInput{Role: types.RoleUser, Content: "What next?", Surface: "windsurf", Mode: "advisor"})
	require.NoError(t, err)
	reply, err := r.AppendMessage(ctx, id, types.MessageInput{
		Role: types.RoleAssistant, Content: "Do X", Surface: "browser_ext", Mode: "advisor",
		Meta: map[string]any{"cost_usd": 0.001},
	})
	require.NoError(t, err)

	_, err = r.LinkArtifact(ctx, id, types.ArtifactInput{Type: "knowledge", ID: "k1", Confidence: 0.8})
	require.NoError(t, err)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.ElementsMatch(t, []string{"windsurf", "browser_ext"}, got.Surfaces)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, reply.ID, got.Messages[1].ID)
	assert.True(t, reply.Timestamp.Equal(got.Messages[1].Timestamp))
	assert.Equal(t, 0.001, got.Messages[1].Meta["cost_usd"])

	last, err := r.GetMessages(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "Do X", last[0].Content)

	require.NoError(t, r.CloseConversation(ctx, id))
	closed, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, r.CloseConversation(ctx, id))
	still, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, closed.UpdatedAt.Equal(still.UpdatedAt))

	_, err = r.AppendMessage(ctx, id, types.MessageInput{Role: types.RoleUser, Content: "x", Surface: "cli"})
	require.ErrorIs(t, err, storage.ErrConversationClosed)

	entries, err := r.List(ctx, types.ListFilter{Owner: "jh", Status: types.StatusClosed})
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.ID == id {
			found = true
			assert.Equal(t, 2, e.MessageCount)
		}
	}
	assert.True(t, found)
}

func TestConversationRepository_ConcurrentAppends(t *testing.T) {
	r := setupTestRepository(t)
	ctx := context.Background()
	id := testID(t)
	cleanup(t, r, id)

	_, err := r.GetOrCreate(ctx, id, "jh", "cli", "hello")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.AppendMessage(ctx, id, types.MessageInput{
				Role: types.RoleUser, Content: fmt.Sprintf("m%d", i), Surface: fmt.Sprintf("s%d", i),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, writers, got.MessageCount)
	assert.Len(t, got.Surfaces, writers+1)
}

func TestConversationRepository_NotFound(t *testing.T) {
	r := setupTestRepository(t)
	ctx := context.Background()
	id := testID(t)

	_, err := r.Get(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = r.GetMessages(ctx, id, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = r.AppendMessage(ctx, id, types.MessageInput{Role: types.RoleUser, Content: "x", Surface: "cli"})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, r.CloseConversation(ctx, id), storage.ErrNotFound)
}
