package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mailvault/mailvault/consts"
)

// Folder mirrors the hierarchy found inside an ingestion source.
type Folder struct {
	ID       uuid.UUID
	SourceID uuid.UUID
	ParentID *uuid.UUID
	Name     string
	FullPath string
}

// UpsertFolder inserts a folder or, when (source_id, full_path) already
// exists, refreshes its display name. Either way the row id is returned,
// so concurrent importers converge on the same folder rows.
func (db *Database) UpsertFolder(ctx context.Context, sourceID uuid.UUID, parentID *uuid.UUID, name, fullPath string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO folders (id, source_id, parent_id, name, full_path)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, full_path)
		DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		uuid.New(), sourceID, parentID, name, fullPath).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// GetFolderByPath looks up a folder by its source-scoped full path.
func (db *Database) GetFolderByPath(ctx context.Context, sourceID uuid.UUID, fullPath string) (*Folder, error) {
	var f Folder
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, source_id, parent_id, name, full_path
		FROM folders
		WHERE source_id = $1 AND full_path = $2`, sourceID, fullPath).
		Scan(&f.ID, &f.SourceID, &f.ParentID, &f.Name, &f.FullPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrFolderNotFound
		}
		return nil, err
	}
	return &f, nil
}

// CountFoldersForSource returns how many folders a source currently has.
func (db *Database) CountFoldersForSource(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	var n int64
	err := db.GetReadPool().QueryRow(ctx,
		`SELECT COUNT(*) FROM folders WHERE source_id = $1`, sourceID).Scan(&n)
	return n, err
}
