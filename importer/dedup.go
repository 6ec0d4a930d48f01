package importer

import (
	"context"

	"github.com/google/uuid"
)

// DedupStore is the subset of storage duplicate checks need.
type DedupStore interface {
	HasEmailWithMessageID(ctx context.Context, sourceID uuid.UUID, messageID string) (bool, error)
	HasEmailWithContentHash(ctx context.Context, contentHash string) (bool, error)
}

// isDuplicate reports whether a message was already imported.
//
// A Message-ID is checked against this source only, so distinct sources
// may legitimately hold their own copy of a thread. The content hash is
// checked globally: a message without a Message-ID is considered the
// same message wherever it came from.
func isDuplicate(ctx context.Context, store DedupStore, sourceID uuid.UUID, messageID, contentHash string) (bool, error) {
	if messageID != "" {
		dup, err := store.HasEmailWithMessageID(ctx, sourceID, messageID)
		if err != nil {
			return false, err
		}
		if dup {
			return true, nil
		}
	}
	return store.HasEmailWithContentHash(ctx, contentHash)
}
