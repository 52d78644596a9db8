// Package filestore persists conversations as one JSON file each, plus an
// index.json summary, in a single directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

const (
	defaultScanWorkers = 8
	lockFileName       = ".lock"
)

var (
	// ErrDirectoryLocked is returned by Open when another writable Store
	// already owns the directory.
	ErrDirectoryLocked = errors.New("conversation directory is locked by another process")
	// ErrReadOnly is returned by mutations on a Store opened with ReadOnly.
	ErrReadOnly = errors.New("conversation store is read-only")
)

// Options configures a Store.
type Options struct {
	Logger logrus.FieldLogger
	// ReadOnly opens the directory without taking ownership of it: no lock,
	// no temp file cleanup, no index rewrite, and every mutation fails with
	// ErrReadOnly. The index is served from memory.
	ReadOnly bool
	// CacheSize bounds the number of decoded records kept in memory. Zero disables the cache.
	CacheSize int
	// ScanWorkers bounds parallel reads while rebuilding the index.
	ScanWorkers int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Store is a storage.Store backed by a directory of JSON files. A writable
// Store holds an exclusive lock on <dir>/.lock until Close.
type Store struct {
	dir         string
	readOnly    bool
	locks       *keyMutex
	index       *index
	cache       *lru.Cache[string, *types.Conversation]
	logger      logrus.FieldLogger
	now         func() time.Time
	scanWorkers int

	closeMu sync.Mutex
	dirLock *flock.Flock

	// beforeCommit runs after a temp file is synced and before it replaces
	// the target. Tests use it to interrupt writes.
	beforeCommit func(path string) error
}

var _ storage.Store = (*Store)(nil)

// Open locks dir, clears leftovers of interrupted writes and loads the
// index, rebuilding it from the records when it is missing, corrupt or stale.
// It fails with ErrDirectoryLocked when another Store owns dir.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: conversation directory is required", storage.ErrInvalidInput)
	}
	if opts.ReadOnly {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("open conversation directory: %w", err)
		}
	} else if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create conversation directory: %w", err)
	}

	s := &Store{
		dir:         dir,
		readOnly:    opts.ReadOnly,
		locks:       newKeyMutex(),
		logger:      opts.Logger,
		now:         opts.Now,
		scanWorkers: opts.ScanWorkers,
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.scanWorkers <= 0 {
		s.scanWorkers = defaultScanWorkers
	}
	if opts.CacheSize > 0 && !opts.ReadOnly {
		cache, err := lru.New[string, *types.Conversation](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create record cache: %w", err)
		}
		s.cache = cache
	}
	s.index = newIndex(filepath.Join(dir, indexFileName), s.writeFileAtomic, s.now)

	if !s.readOnly {
		if err := s.lockDir(); err != nil {
			return nil, err
		}
		if err := s.removeTempFiles(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if err := s.reconcileIndex(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"dir":           dir,
		"conversations": s.index.len(),
		"read_only":     s.readOnly,
	}).Info("conversation store opened")
	return s, nil
}

func (s *Store) lockDir() error {
	fl := flock.New(filepath.Join(s.dir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock conversation directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDirectoryLocked, s.dir)
	}
	s.dirLock = fl
	return nil
}

// Close releases the directory lock. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.dirLock == nil {
		return nil
	}
	err := s.dirLock.Unlock()
	s.dirLock = nil
	if err != nil {
		return fmt.Errorf("unlock conversation directory: %w", err)
	}
	return nil
}

// Dir returns the directory the store persists into.
func (s *Store) Dir() string {
	return s.dir
}

// GetOrCreate returns the conversation with id, creating and persisting it
// when absent. An existing record is returned unchanged whatever owner and
// surface the caller passes.
func (s *Store) GetOrCreate(ctx context.Context, id, owner, surface, firstMessagePreview string) (*types.Conversation, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.loadLocked(id)
	if err == nil {
		return existing.Clone(), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if s.readOnly {
		return nil, fmt.Errorf("create %s: %w", id, ErrReadOnly)
	}

	now := s.now().UTC()
	conv := &types.Conversation{
		ID:        id,
		Owner:     owner,
		Topic:     types.TopicFromPreview(firstMessagePreview),
		Surfaces:  []string{},
		Tags:      []string{},
		Messages:  []types.Message{},
		Artifacts: []types.Artifact{},
		Status:    types.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if surface != "" {
		conv.Surfaces = append(conv.Surfaces, surface)
	}

	if err := s.commit(conv); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": id,
		"owner":           owner,
		"surface":         surface,
	}).Info("conversation created")
	return conv.Clone(), nil
}

// AppendMessage appends a message under the conversation's lock.
func (s *Store) AppendMessage(ctx context.Context, id string, in types.MessageInput) (*types.Message, error) {
	if err := storage.ValidateMessage(in); err != nil {
		return nil, err
	}

	var msg types.Message
	_, err := s.update(ctx, id, func(conv *types.Conversation, now time.Time) (bool, error) {
		if conv.Status == types.StatusClosed {
			return false, fmt.Errorf("append to %s: %w", id, storage.ErrConversationClosed)
		}
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
		conv.Messages = append(conv.Messages, msg)
		conv.MessageCount = len(conv.Messages)
		if !conv.HasSurface(in.Surface) {
			conv.Surfaces = append(conv.Surfaces, in.Surface)
		}
		conv.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": id,
		"message_id":      msg.ID,
		"role":            msg.Role,
		"surface":         msg.Surface,
	}).Debug("message appended")
	out := msg
	out.Meta = maps.Clone(msg.Meta)
	return &out, nil
}

// LinkArtifact appends an artifact link. Linking the same artifact twice
// records it twice.
func (s *Store) LinkArtifact(ctx context.Context, id string, in types.ArtifactInput) (*types.Artifact, error) {
	if err := storage.ValidateArtifact(in); err != nil {
		return nil, err
	}

	var link types.Artifact
	_, err := s.update(ctx, id, func(conv *types.Conversation, now time.Time) (bool, error) {
		link = types.Artifact{
			Type:       in.Type,
			ID:         in.ID,
			Title:      in.Title,
			Confidence: in.Confidence,
			LinkedAt:   now,
		}
		conv.Artifacts = append(conv.Artifacts, link)
		conv.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// CloseConversation marks the conversation closed. Closing an already closed
// conversation changes nothing.
func (s *Store) CloseConversation(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(conv *types.Conversation, now time.Time) (bool, error) {
		if conv.Status == types.StatusClosed {
			return false, nil
		}
		conv.Status = types.StatusClosed
		conv.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return err
	}
	s.logger.WithField("conversation_id", id).Info("conversation closed")
	return nil
}

// Get returns a copy of the last committed record.
func (s *Store) Get(ctx context.Context, id string) (*types.Conversation, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if conv, ok := s.cache.Get(id); ok {
			return conv.Clone(), nil
		}
	}
	// Misses are not cached here: only the lock holder may populate the
	// cache, otherwise a slow read could overwrite a newer commit.
	return s.readRecord(id)
}

// GetMessages returns the last limit messages, or all when limit <= 0.
func (s *Store) GetMessages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return storage.Tail(conv.Messages, limit), nil
}

// List serves from the in-memory index; it never touches the records.
func (s *Store) List(ctx context.Context, filter types.ListFilter) ([]types.IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.index.list(filter), nil
}

// update runs fn on a copy of the current record while holding the
// conversation's lock and commits the copy when fn reports a change.
func (s *Store) update(ctx context.Context, id string, fn func(conv *types.Conversation, now time.Time) (bool, error)) (*types.Conversation, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if s.readOnly {
		return nil, fmt.Errorf("update %s: %w", id, ErrReadOnly)
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if err := s.checkNoLostUpdate(current); err != nil {
		return nil, err
	}

	next := current.Clone()
	changed, err := fn(next, s.timestamp(current))
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	if err := s.commit(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// timestamp returns the time for a mutation of conv. It never goes backwards
// relative to the record, so message timestamps stay non-decreasing even if
// the wall clock steps back.
func (s *Store) timestamp(conv *types.Conversation) time.Time {
	now := s.now().UTC()
	if now.Before(conv.UpdatedAt) {
		return conv.UpdatedAt
	}
	return now
}

// checkNoLostUpdate compares the record about to be modified with what the
// index last saw. An index ahead of the record means a committed write was
// overwritten.
func (s *Store) checkNoLostUpdate(conv *types.Conversation) error {
	entry, ok := s.index.get(conv.ID)
	if !ok {
		return nil
	}
	if entry.MessageCount > conv.MessageCount || entry.UpdatedAt.After(conv.UpdatedAt) {
		s.logger.WithFields(logrus.Fields{
			"conversation_id":      conv.ID,
			"index_message_count":  entry.MessageCount,
			"record_message_count": conv.MessageCount,
		}).Error("record is behind its index entry")
		return fmt.Errorf("update %s: %w", conv.ID, storage.ErrConcurrentWriteConflict)
	}
	return nil
}

// commit stages next in a synced temp file, makes its index entry durable
// and only then renames the record into place, so a mutation whose index
// write fails is never visible to readers. Must be called with the
// conversation's lock held.
func (s *Store) commit(next *types.Conversation) error {
	path := s.recordPath(next.ID)
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}
	tmp, err := stageFile(path, data)
	if err != nil {
		s.forget(next.ID)
		return fmt.Errorf("write conversation %s: %w", next.ID, err)
	}

	oldEntry, hadEntry := s.index.get(next.ID)
	version := s.index.put(next.IndexEntry())
	if err := s.index.flush(version); err != nil {
		_ = os.Remove(tmp)
		s.restoreEntry(next.ID, oldEntry, hadEntry)
		return fmt.Errorf("persist index for %s: %w", next.ID, err)
	}

	if err := s.publish(tmp, path); err != nil {
		_ = os.Remove(tmp)
		v := s.restoreEntry(next.ID, oldEntry, hadEntry)
		if ferr := s.index.flush(v); ferr != nil {
			s.logger.WithError(ferr).WithField("conversation_id", next.ID).
				Error("failed to revert index entry; it is rebuilt on next open")
		}
		return fmt.Errorf("write conversation %s: %w", next.ID, err)
	}

	if s.cache != nil {
		s.cache.Add(next.ID, next)
	}
	return nil
}

// restoreEntry puts back the index entry a failed commit replaced and
// returns the version a flush must reach.
func (s *Store) restoreEntry(id string, oldEntry types.IndexEntry, hadEntry bool) uint64 {
	s.forget(id)
	if hadEntry {
		return s.index.put(oldEntry)
	}
	return s.index.remove(id)
}

// loadLocked returns the current record from the cache or disk and caches it.
// The result must not be modified. Must be called with the conversation's lock held.
func (s *Store) loadLocked(id string) (*types.Conversation, error) {
	if s.cache != nil {
		if conv, ok := s.cache.Get(id); ok {
			return conv, nil
		}
	}
	conv, err := s.readRecord(id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(id, conv)
	}
	return conv, nil
}

func (s *Store) forget(id string) {
	if s.cache != nil {
		s.cache.Remove(id)
	}
}

// readRecord decodes the record for id straight from disk.
func (s *Store) readRecord(id string) (*types.Conversation, error) {
	path := s.recordPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("read conversation %s: %w", id, err)
	}
	conv, err := decodeRecord(path, data)
	if err != nil {
		return nil, err
	}
	if conv.ID != id {
		return nil, &storage.CorruptRecordError{Path: path, Err: fmt.Errorf("record holds id %q", conv.ID)}
	}
	return conv, nil
}

func encodeRecord(conv *types.Conversation) ([]byte, error) {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conversation %s: %w", conv.ID, err)
	}
	return append(data, '\n'), nil
}

func decodeRecord(path string, data []byte) (*types.Conversation, error) {
	var conv types.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, &storage.CorruptRecordError{Path: path, Err: err}
	}
	if conv.ID == "" {
		return nil, &storage.CorruptRecordError{Path: path, Err: errors.New("record without id")}
	}
	if conv.Status == "" {
		conv.Status = types.StatusActive
	}
	if !conv.Status.Valid() {
		return nil, &storage.CorruptRecordError{Path: path, Err: fmt.Errorf("unknown status %q", conv.Status)}
	}
	return &conv, nil
}
