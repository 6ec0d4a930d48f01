package importer

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mailvault/mailvault/pkg/metrics"
)

// FolderStore is the subset of storage a FolderResolver needs.
type FolderStore interface {
	UpsertFolder(ctx context.Context, sourceID uuid.UUID, parentID *uuid.UUID, name, fullPath string) (uuid.UUID, error)
}

// FolderResolver maps folder paths to folder row ids, creating missing
// ancestors along the way. The cache lives for one run, so a source with
// thousands of messages in a handful of folders hits the database once
// per folder, not once per message.
type FolderResolver struct {
	store    FolderStore
	sourceID uuid.UUID
	cache    map[string]uuid.UUID
}

func NewFolderResolver(store FolderStore, sourceID uuid.UUID) *FolderResolver {
	return &FolderResolver{
		store:    store,
		sourceID: sourceID,
		cache:    make(map[string]uuid.UUID),
	}
}

// Resolve returns the folder id for path, creating the folder and all
// of its ancestors if needed. An empty path resolves to "/INBOX".
func (r *FolderResolver) Resolve(ctx context.Context, path string) (uuid.UUID, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/INBOX"
	}
	if id, ok := r.cache[path]; ok {
		return id, nil
	}

	parts := splitFolderPath(path)

	var parentID *uuid.UUID
	accumulated := ""
	var leafID uuid.UUID

	for _, part := range parts {
		accumulated += "/" + part

		id, ok := r.cache[accumulated]
		if !ok {
			var err error
			id, err = r.store.UpsertFolder(ctx, r.sourceID, parentID, part, accumulated)
			if err != nil {
				return uuid.Nil, err
			}
			metrics.FoldersCreatedTotal.Inc()
			r.cache[accumulated] = id
		}

		leafID = id
		// Fresh variable per level: the store may retain the pointer.
		parent := id
		parentID = &parent
	}

	r.cache[path] = leafID
	return leafID, nil
}

// FolderCount reports how many distinct folder paths this run touched.
func (r *FolderResolver) FolderCount() int {
	// The cache may hold the original path as an alias of its
	// normalized form; count normalized paths only.
	n := 0
	for k := range r.cache {
		if strings.HasPrefix(k, "/") && k == normalizeFolderPath(k) {
			n++
		}
	}
	return n
}

func splitFolderPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		parts = []string{"INBOX"}
	}
	return parts
}

func normalizeFolderPath(path string) string {
	return "/" + strings.Join(splitFolderPath(path), "/")
}
