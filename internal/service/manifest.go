package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/merkle"
	"github.com/tag-anchor/internal/models"
)

// inlineManifestPrefix marks a manifest embedded in the anchor locator
const inlineManifestPrefix = "data:application/json;base64,"

// Manifest is the document pinned for every anchored batch
type Manifest struct {
	Version      int       `json:"version"`
	BatchID      string    `json:"batchId"`
	BatchKey     string    `json:"batchKey"`
	Name         string    `json:"name,omitempty"`
	Material     string    `json:"material,omitempty"`
	Color        string    `json:"color,omitempty"`
	Model        string    `json:"model,omitempty"`
	Count        int       `json:"count"`
	MerkleRoot   string    `json:"merkleRoot"`
	LeafEncoding string    `json:"leafEncoding"`
	TagCodes     []string  `json:"tagCodes"`
	CreatedAt    time.Time `json:"createdAt"`
}

func buildManifest(b *models.Batch, root common.Hash, codes []string) *Manifest {
	return &Manifest{
		Version:      1,
		BatchID:      b.ID,
		BatchKey:     merkle.BatchKey(b.ID).Hex(),
		Name:         b.Name,
		Material:     b.Material,
		Color:        b.Color,
		Model:        b.Model,
		Count:        len(codes),
		MerkleRoot:   root.Hex(),
		LeafEncoding: fmt.Sprintf("keccak256(utf8) v%d", merkle.LeafEncodingVersion),
		TagCodes:     codes,
		CreatedAt:    b.CreatedAt,
	}
}

// InlineLocator embeds content as a data URI
func InlineLocator(content []byte) string {
	return inlineManifestPrefix + base64.StdEncoding.EncodeToString(content)
}

// DecodeInlineLocator reverses InlineLocator; ok is false for other locators
func DecodeInlineLocator(locator string) ([]byte, bool, error) {
	if len(locator) < len(inlineManifestPrefix) || locator[:len(inlineManifestPrefix)] != inlineManifestPrefix {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(locator[len(inlineManifestPrefix):])
	if err != nil {
		return nil, true, err
	}
	return raw, true, nil
}

// pinManifest pins the manifest and falls back to an inline locator when the
// content store is missing or failing. It never returns an error for a pin
// failure.
func pinManifest(ctx context.Context, store adapter.ContentStore, m *Manifest) (string, error) {
	content, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	logger := logging.FromContext(ctx).WithBatch(m.BatchID)
	if store == nil {
		logger.Debug("No content store configured, embedding manifest inline")
		return InlineLocator(content), nil
	}

	uri, err := store.Pin(ctx, "batch-"+m.BatchID+"-manifest", content)
	if err != nil {
		logger.WithError(err).Warn("Manifest pin failed, embedding manifest inline")
		return InlineLocator(content), nil
	}
	return uri, nil
}
