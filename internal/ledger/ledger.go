package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"trackvault/internal/domain"
)

// Statistics summarizes ledger contents.
type Statistics struct {
	TotalItems     int            `json:"total_items"`
	BySourceKind   map[string]int `json:"by_source_kind"`
	OldestDownload string         `json:"oldest_download,omitempty"`
	NewestDownload string         `json:"newest_download,omitempty"`
}

// Ledger answers "was this item already downloaded" and records new
// completions. It is the single in-process authority over the snapshot:
// every read and mutation runs inside one critical section, and mutations
// are persisted synchronously through the Store, so ledger commits are
// naturally serialized. One instance is shared by all job coordinators.
type Ledger struct {
	mu     sync.Mutex
	store  *Store
	snap   Snapshot
	logger *logrus.Logger
}

// New loads the snapshot through the store and returns a ready ledger. A
// legacy-shaped snapshot is migrated in place and re-saved before any query
// is served.
func New(store *Store, logger *logrus.Logger) (*Ledger, error) {
	if logger == nil {
		logger = logrus.New()
	}

	snap, migrated, err := store.Load()
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		store:  store,
		snap:   snap,
		logger: logger,
	}

	if migrated {
		logger.WithField("path", store.Path()).Info("migrated legacy ledger format")
		if err := store.Save(&l.snap); err != nil {
			return nil, fmt.Errorf("persist migrated ledger: %w", err)
		}
	}
	return l, nil
}

// IsDownloaded reports whether the item has a completion record.
func (l *Ledger) IsDownloaded(itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.snap.Tracks[itemID]
	return ok
}

// ShouldSkip reports whether a new download of the item should be skipped:
// the item is recorded and duplicate prevention is enabled.
func (l *Ledger) ShouldSkip(itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.snap.Settings.PreventDuplicates {
		return false
	}
	_, ok := l.snap.Tracks[itemID]
	return ok
}

// Record inserts a completion entry stamped with the current time.
// Recording an already-present item overwrites its entry, so the most
// recent download wins and a retry after a failed persist is safe.
func (l *Ledger) Record(item domain.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Tracks[item.ID] = entryFromItem(item, time.Now())
	return l.save()
}

// Remove deletes an item's record and reports whether one existed.
func (l *Ledger) Remove(itemID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.snap.Tracks[itemID]; !ok {
		return false, nil
	}
	delete(l.snap.Tracks, itemID)
	return true, l.save()
}

// Get returns the entry for an item, if present.
func (l *Ledger) Get(itemID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.snap.Tracks[itemID]
	return entry, ok
}

// DedupEnabled reports the duplicate-prevention setting.
func (l *Ledger) DedupEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap.Settings.PreventDuplicates
}

// SetDedupEnabled updates the duplicate-prevention setting and persists
// immediately. Ledger contents are untouched.
func (l *Ledger) SetDedupEnabled(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Settings.PreventDuplicates = enabled
	return l.save()
}

// Clear drops every completion record. Destructive.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Tracks = map[string]Entry{}
	return l.save()
}

// Export serializes the current snapshot to an arbitrary path in the same
// shape as the ledger file itself.
func (l *Ledger) Export(path string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.snap
	out.SchemaVersion = schemaVersion
	out.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal export: %w", err)
	}
	if err := afero.WriteFile(l.store.fs, path, raw, 0o644); err != nil {
		return 0, fmt.Errorf("write export file: %w", err)
	}
	return len(out.Tracks), nil
}

// Import loads entries from an external snapshot file. With merge the
// imported entries are unioned into the ledger and win on key collision;
// without merge they replace the ledger wholesale. Imported settings are
// adopted either way. The count of imported entries is returned.
func (l *Ledger) Import(path string, merge bool) (int, error) {
	raw, err := afero.ReadFile(l.store.fs, path)
	if err != nil {
		return 0, fmt.Errorf("read import file: %w", err)
	}

	snap, _, err := decodeSnapshot(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid import file: %w", err)
	}
	for itemID, entry := range snap.Tracks {
		if entry.SourceType == "" || entry.DownloadDate == "" {
			return 0, fmt.Errorf("import entry %q is missing required fields", itemID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if merge {
		for itemID, entry := range snap.Tracks {
			l.snap.Tracks[itemID] = entry
		}
	} else {
		l.snap.Tracks = snap.Tracks
	}
	l.snap.Settings = snap.Settings

	return len(snap.Tracks), l.save()
}

// Statistics aggregates counts by source kind and the oldest/newest
// completion timestamps.
func (l *Ledger) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Statistics{
		TotalItems:   len(l.snap.Tracks),
		BySourceKind: map[string]int{},
	}
	for _, entry := range l.snap.Tracks {
		kind := entry.SourceType
		if kind == "" {
			kind = "unknown"
		}
		stats.BySourceKind[kind]++

		if entry.DownloadDate == "" {
			continue
		}
		if stats.OldestDownload == "" || entry.DownloadDate < stats.OldestDownload {
			stats.OldestDownload = entry.DownloadDate
		}
		if entry.DownloadDate > stats.NewestDownload {
			stats.NewestDownload = entry.DownloadDate
		}
	}
	return stats
}

// save persists the snapshot while holding the mutex. The in-memory state
// is already updated when save runs, so a failed persist leaves queries
// correct for the process lifetime and the caller may retry.
func (l *Ledger) save() error {
	if err := l.store.Save(&l.snap); err != nil {
		l.logger.WithField("path", l.store.Path()).Errorf("persist ledger: %v", err)
		return err
	}
	return nil
}
