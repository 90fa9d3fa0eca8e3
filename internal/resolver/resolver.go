// Package resolver turns an item reference into a concrete download plan.
// Resolution is an external concern: the pipeline only sees the finished
// Manifest and treats any resolution failure as fatal for the job before
// chunk work begins.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"trackvault/internal/decrypt"
	"trackvault/internal/domain"
)

// Resolver produces the manifest for an item.
type Resolver interface {
	Resolve(ctx context.Context, itemID string) (*domain.Manifest, error)
}

// manifestDocument is the manifest service's wire format.
type manifestDocument struct {
	ItemID        string          `json:"item_id"`
	TotalSize     int64           `json:"total_size"`
	SecurityToken string          `json:"security_token,omitempty"`
	Chunks        []chunkDocument `json:"chunks"`
}

type chunkDocument struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	URL    string `json:"url"`
}

// HTTPResolver fetches manifests from a manifest service endpoint and
// unwraps the embedded security token with the configured master key.
type HTTPResolver struct {
	baseURL   string
	masterKey []byte
	client    *http.Client
}

func NewHTTPResolver(baseURL string, masterKey []byte, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPResolver{
		baseURL:   baseURL,
		masterKey: masterKey,
		client:    &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, itemID string) (*domain.Manifest, error) {
	endpoint := fmt.Sprintf("%s/manifests/%s", r.baseURL, url.PathEscape(itemID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest service returned %d for item %s", resp.StatusCode, itemID)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}

	var doc manifestDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return buildManifest(doc, r.masterKey)
}

func buildManifest(doc manifestDocument, masterKey []byte) (*domain.Manifest, error) {
	if doc.ItemID == "" {
		return nil, fmt.Errorf("manifest missing item id")
	}
	if doc.TotalSize <= 0 {
		return nil, fmt.Errorf("manifest for %s has invalid total size %d", doc.ItemID, doc.TotalSize)
	}
	if len(doc.Chunks) == 0 {
		return nil, fmt.Errorf("manifest for %s has no chunks", doc.ItemID)
	}

	manifest := &domain.Manifest{
		ItemID:    doc.ItemID,
		TotalSize: doc.TotalSize,
		Chunks:    make([]domain.ChunkDescriptor, len(doc.Chunks)),
	}

	var covered int64
	for i, chunk := range doc.Chunks {
		if chunk.Index != i {
			return nil, fmt.Errorf("manifest for %s: chunk %d has index %d", doc.ItemID, i, chunk.Index)
		}
		if chunk.Length <= 0 || chunk.Offset < 0 || chunk.URL == "" {
			return nil, fmt.Errorf("manifest for %s: chunk %d is malformed", doc.ItemID, i)
		}
		manifest.Chunks[i] = domain.ChunkDescriptor{
			Index:  chunk.Index,
			Offset: chunk.Offset,
			Length: chunk.Length,
			URL:    chunk.URL,
		}
		covered += chunk.Length
	}
	if covered != doc.TotalSize {
		return nil, fmt.Errorf("manifest for %s: chunks cover %d of %d bytes", doc.ItemID, covered, doc.TotalSize)
	}

	if doc.SecurityToken != "" {
		keys, err := decrypt.UnwrapSecurityToken(masterKey, doc.SecurityToken)
		if err != nil {
			return nil, fmt.Errorf("unwrap security token for %s: %w", doc.ItemID, err)
		}
		manifest.Encrypted = true
		manifest.Keys = keys
	}

	return manifest, nil
}

var _ Resolver = (*HTTPResolver)(nil)
