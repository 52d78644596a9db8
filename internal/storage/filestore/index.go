package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// indexFile is the on-disk shape of index.json.
type indexFile struct {
	Conversations []types.IndexEntry `json:"conversations"`
	LastUpdated   time.Time          `json:"last_updated"`
}

// index keeps every entry in memory and rewrites index.json on demand.
// Writes are group committed: a flush covers every put made before it
// snapshotted, so concurrent mutations share one rewrite.
type index struct {
	path  string
	write func(path string, data []byte) error
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]types.IndexEntry
	version uint64

	flushMu sync.Mutex
	flushed uint64
}

func newIndex(path string, write func(string, []byte) error, now func() time.Time) *index {
	return &index{
		path:    path,
		write:   write,
		now:     now,
		entries: make(map[string]types.IndexEntry),
	}
}

func (ix *index) get(id string) (types.IndexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

// put stores e and returns the version a flush must reach to make it durable.
func (ix *index) put(e types.IndexEntry) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[e.ID] = e
	ix.version++
	return ix.version
}

func (ix *index) remove(id string) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, id)
	ix.version++
	return ix.version
}

func (ix *index) replaceAll(entries map[string]types.IndexEntry) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = entries
	ix.version++
	return ix.version
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// flush makes every put up to version v durable. If another caller already
// wrote a snapshot at or past v, flush returns without writing.
func (ix *index) flush(v uint64) error {
	ix.flushMu.Lock()
	defer ix.flushMu.Unlock()

	if ix.flushed >= v {
		return nil
	}

	ix.mu.RLock()
	doc := indexFile{
		Conversations: make([]types.IndexEntry, 0, len(ix.entries)),
		LastUpdated:   ix.now().UTC(),
	}
	for _, e := range ix.entries {
		doc.Conversations = append(doc.Conversations, e)
	}
	current := ix.version
	ix.mu.RUnlock()

	sort.Slice(doc.Conversations, func(i, j int) bool {
		return doc.Conversations[i].ID < doc.Conversations[j].ID
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := ix.write(ix.path, append(data, '\n')); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	ix.flushed = current
	return nil
}

// list returns the entries matching filter, most recently updated first.
func (ix *index) list(filter types.ListFilter) []types.IndexEntry {
	ix.mu.RLock()
	out := make([]types.IndexEntry, 0, len(ix.entries))
	for _, e := range ix.entries {
		if filter.Matches(e) {
			e.Surfaces = slices.Clone(e.Surfaces)
			out = append(out, e)
		}
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// loadIndexFile reads index.json. A missing file returns os.ErrNotExist; an
// unparsable one returns a *storage.CorruptRecordError.
func loadIndexFile(path string) (map[string]types.IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc indexFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &storage.CorruptRecordError{Path: path, Err: err}
	}
	entries := make(map[string]types.IndexEntry, len(doc.Conversations))
	for _, e := range doc.Conversations {
		if e.ID == "" {
			return nil, &storage.CorruptRecordError{Path: path, Err: errors.New("entry without id")}
		}
		entries[e.ID] = e
	}
	return entries, nil
}

// entriesEqual compares two entries field by field, treating surfaces as a set.
func entriesEqual(a, b types.IndexEntry) bool {
	if a.ID != b.ID || a.Topic != b.Topic || a.Owner != b.Owner ||
		a.MessageCount != b.MessageCount || a.Status != b.Status ||
		!a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	return sameSet(a.Surfaces, b.Surfaces)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
