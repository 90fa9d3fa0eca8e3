package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Store persists ledger snapshots with atomic replace semantics. A reader of
// the snapshot path always observes either the previous or the new complete
// snapshot, never a partial write.
type Store struct {
	fs     afero.Fs
	path   string
	logger *logrus.Logger
}

func NewStore(fs afero.Fs, path string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		fs:     fs,
		path:   path,
		logger: logger,
	}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot from disk. A missing file yields an empty snapshot.
// A corrupt file is quarantined to a .bak path (never overwriting an earlier
// backup) and an empty snapshot is returned; corruption is never surfaced as
// an error. The migrated flag reports that a legacy-shaped snapshot was
// loaded and should be re-saved by the caller.
func (s *Store) Load() (Snapshot, bool, error) {
	raw, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptySnapshot(), false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read ledger file: %w", err)
	}

	snap, migrated, err := decodeSnapshot(raw)
	if err != nil {
		s.quarantine()
		return emptySnapshot(), false, nil
	}
	return snap, migrated, nil
}

// Save writes the snapshot to a temporary file in the same directory and
// atomically renames it over the target path. The snapshot's last-updated
// stamp is refreshed in place, so the caller's copy reflects what was
// persisted.
func (s *Store) Save(snap *Snapshot) error {
	snap.SchemaVersion = schemaVersion
	snap.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if snap.Tracks == nil {
		snap.Tracks = map[string]Entry{}
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		s.fs.Remove(tmpPath)
		return fmt.Errorf("write temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("close temp ledger file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}

// quarantine moves an unreadable snapshot aside so its bytes stay
// recoverable. The first free .bak, .bak.1, ... name is used.
func (s *Store) quarantine() {
	backup := s.path + ".bak"
	for counter := 1; ; counter++ {
		if exists, _ := afero.Exists(s.fs, backup); !exists {
			break
		}
		backup = fmt.Sprintf("%s.bak.%d", s.path, counter)
	}

	if err := s.fs.Rename(s.path, backup); err != nil {
		s.logger.WithField("path", s.path).Warnf("quarantine corrupt ledger file: %v", err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"path":   s.path,
		"backup": backup,
	}).Warn("ledger file was corrupted, starting with an empty ledger")
}
