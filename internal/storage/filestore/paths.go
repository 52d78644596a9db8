package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	recordExt     = ".json"
	indexFileName = "index.json"
	tmpInfix      = ".tmp-"
	hashedPrefix  = "id-"
)

// Lowercase only, so ids that differ by case never share a file on
// case-insensitive filesystems.
var plainID = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,199}$`)

// recordFileName maps a conversation id to its file name. Plain ids keep their
// own name; everything else (and anything that could collide with the index or
// with a hashed name) becomes id-<sha256>.json.
func recordFileName(id string) string {
	if plainID.MatchString(id) &&
		id+recordExt != indexFileName &&
		!strings.HasPrefix(id, hashedPrefix) &&
		!strings.Contains(id, tmpInfix) {
		return id + recordExt
	}
	sum := sha256.Sum256([]byte(id))
	return hashedPrefix + hex.EncodeToString(sum[:]) + recordExt
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, recordFileName(id))
}

// isRecordFile reports whether a directory entry name holds a conversation record.
func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && name != indexFileName && !strings.Contains(name, tmpInfix)
}

// isTempFile reports whether name is a leftover from an interrupted write.
func isTempFile(name string) bool {
	return strings.Contains(name, tmpInfix) && !strings.HasSuffix(name, recordExt)
}
