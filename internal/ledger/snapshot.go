package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trackvault/internal/domain"
)

const schemaVersion = 1

// Entry is one persisted completion record, keyed by item ID in the
// snapshot's tracks map. Field names match the on-disk format.
type Entry struct {
	SourceType   string `json:"sourceType"`
	SourceID     string `json:"sourceId,omitempty"`
	SourceName   string `json:"sourceName,omitempty"`
	DownloadDate string `json:"downloadDate"`
}

// Settings holds ledger-wide behavior flags.
type Settings struct {
	PreventDuplicates bool `json:"preventDuplicates"`
}

// Snapshot is the full on-disk representation of the dedup ledger.
type Snapshot struct {
	SchemaVersion int              `json:"_schema_version"`
	LastUpdated   string           `json:"_last_updated,omitempty"`
	Settings      Settings         `json:"settings"`
	Tracks        map[string]Entry `json:"tracks"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		SchemaVersion: schemaVersion,
		Settings:      Settings{PreventDuplicates: true},
		Tracks:        map[string]Entry{},
	}
}

// decodeSnapshot parses raw snapshot bytes. It accepts both the current
// shape (entries under "tracks") and the legacy shape where entries sit at
// the document root next to underscore-prefixed metadata keys. The returned
// migrated flag tells the caller the legacy form was encountered and the
// snapshot should be re-persisted.
func decodeSnapshot(raw []byte) (Snapshot, bool, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse snapshot: %w", err)
	}

	snap := emptySnapshot()

	if rawVersion, ok := doc["_schema_version"]; ok {
		if err := json.Unmarshal(rawVersion, &snap.SchemaVersion); err != nil {
			return Snapshot{}, false, fmt.Errorf("parse schema version: %w", err)
		}
	}
	if rawUpdated, ok := doc["_last_updated"]; ok {
		_ = json.Unmarshal(rawUpdated, &snap.LastUpdated)
	}
	if rawSettings, ok := doc["settings"]; ok {
		if err := json.Unmarshal(rawSettings, &snap.Settings); err != nil {
			return Snapshot{}, false, fmt.Errorf("parse settings: %w", err)
		}
	}

	if rawTracks, ok := doc["tracks"]; ok {
		if err := json.Unmarshal(rawTracks, &snap.Tracks); err != nil {
			return Snapshot{}, false, fmt.Errorf("parse tracks: %w", err)
		}
		if snap.Tracks == nil {
			snap.Tracks = map[string]Entry{}
		}
	}

	// Legacy shape: track entries live at the document root. Fold them
	// into the tracks map and signal that a migration save is needed.
	migrated := false
	for key, raw := range doc {
		if strings.HasPrefix(key, "_") || key == "settings" || key == "tracks" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return Snapshot{}, false, fmt.Errorf("parse legacy entry %q: %w", key, err)
		}
		if _, exists := snap.Tracks[key]; !exists {
			snap.Tracks[key] = entry
		}
		migrated = true
	}

	return snap, migrated, nil
}

func entryFromItem(item domain.Item, at time.Time) Entry {
	return Entry{
		SourceType:   string(item.SourceKind),
		SourceID:     item.SourceID,
		SourceName:   item.SourceLabel,
		DownloadDate: at.UTC().Format(time.RFC3339),
	}
}
