package filestore

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	recordPerm = 0o600
	dirPerm    = 0o755
)

// writeFileAtomic replaces path with data through a synced temporary file and a
// rename, so readers see either the old or the new content and never a prefix.
func (s *Store) writeFileAtomic(path string, data []byte) error {
	tmp, err := stageFile(path, data)
	if err != nil {
		return err
	}
	if err := s.publish(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// stageFile writes data to a synced temp file next to path and returns its name.
func stageFile(path string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+tmpInfix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	fail := func(format string, err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf(format, err)
	}

	if _, err := f.Write(data); err != nil {
		return fail("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync temp file: %w", err)
	}
	if err := f.Chmod(recordPerm); err != nil {
		return fail("chmod temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp, nil
}

// publish renames a staged temp file over path and syncs the directory.
// The caller removes tmp on failure.
func (s *Store) publish(tmp, path string) error {
	if s.beforeCommit != nil {
		if err := s.beforeCommit(path); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// syncDir makes a completed rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
