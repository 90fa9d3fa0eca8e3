package domain

// SourceKind describes where a download request originated from.
type SourceKind string

const (
	SourceKindManual     SourceKind = "manual"
	SourceKindCollection SourceKind = "collection"
	SourceKindOther      SourceKind = "other"
)

// Item identifies one downloadable unit. Immutable once created.
type Item struct {
	ID          string
	SourceKind  SourceKind
	SourceID    string
	SourceLabel string
}

// ChunkDescriptor is one unit of parallel work within a manifest. The index
// is 0-based and, together with Offset, determines the final file position.
type ChunkDescriptor struct {
	Index  int
	Offset int64
	Length int64
	URL    string
}

// KeyMaterial carries the per-item stream cipher inputs unwrapped from the
// manifest's security token.
type KeyMaterial struct {
	Key   []byte
	Nonce []byte
}

// Manifest is the resolved download plan for an Item. It is produced by a
// resolver, consumed by exactly one job and never mutated.
type Manifest struct {
	ItemID    string
	TotalSize int64
	Chunks    []ChunkDescriptor
	Encrypted bool
	Keys      KeyMaterial
}
