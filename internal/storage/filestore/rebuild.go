package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// removeTempFiles deletes temp files left behind by writes that never reached
// their rename. The target they were meant to replace is still intact.
func (s *Store) removeTempFiles() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read conversation directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTempFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove temp file: %w", err)
		}
		s.logger.WithField("path", path).Warn("removed leftover temp file")
	}
	return nil
}

// reconcileIndex loads index.json and checks it against the records. The
// records always win: a missing, corrupt or stale index is rewritten from
// them. A read-only store only replaces its in-memory copy.
func (s *Store) reconcileIndex(ctx context.Context) error {
	scanned, err := s.scanRecords(ctx)
	if err != nil {
		return err
	}

	var reason string
	loaded, err := loadIndexFile(s.index.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		reason = "missing"
	case err != nil:
		s.logger.WithError(err).Warn("conversation index unreadable")
		reason = "corrupt"
	case isStale(loaded, scanned):
		reason = "stale"
	}

	version := s.index.replaceAll(scanned)
	if reason == "" || s.readOnly {
		s.index.flushed = version
		if reason != "" {
			s.logger.WithField("reason", reason).Info("conversation index out of date, serving from records")
		}
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"reason":        reason,
		"conversations": len(scanned),
	}).Warn("rebuilding conversation index")
	if err := s.index.flush(version); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	return nil
}

// Reindex rewrites index.json from the records.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if s.readOnly {
		return 0, fmt.Errorf("reindex: %w", ErrReadOnly)
	}
	scanned, err := s.scanRecords(ctx)
	if err != nil {
		return 0, err
	}
	version := s.index.replaceAll(scanned)
	if err := s.index.flush(version); err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	return len(scanned), nil
}

// scanRecords reads every record in parallel and returns their index entries.
// Unreadable records are logged and left out; Get still reports them as corrupt.
func (s *Store) scanRecords(ctx context.Context) (map[string]types.IndexEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read conversation directory: %w", err)
	}

	var (
		mu      sync.Mutex
		entries = make(map[string]types.IndexEntry, len(dirEntries))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanWorkers)
	for _, de := range dirEntries {
		if de.IsDir() || !isRecordFile(de.Name()) {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			conv, err := decodeRecord(path, data)
			if err != nil {
				s.logger.WithError(err).WithField("path", path).Warn("skipping unreadable conversation record")
				return nil
			}
			if recordFileName(conv.ID) != filepath.Base(path) {
				s.logger.WithFields(logrus.Fields{
					"path":            path,
					"conversation_id": conv.ID,
				}).Warn("skipping conversation record stored under a foreign name")
				return nil
			}
			mu.Lock()
			entries[conv.ID] = conv.IndexEntry()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// isStale reports whether loaded disagrees with the entries derived from the records.
func isStale(loaded, scanned map[string]types.IndexEntry) bool {
	if len(loaded) != len(scanned) {
		return true
	}
	for id, want := range scanned {
		got, ok := loaded[id]
		if !ok || !entriesEqual(got, want) {
			return true
		}
	}
	return false
}
