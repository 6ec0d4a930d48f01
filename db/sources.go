package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mailvault/mailvault/consts"
)

// Source kinds accepted by the importer.
const (
	SourceTypeMbox = "mbox" // single-file container holding many messages
	SourceTypeEml  = "eml"  // standalone message file or directory of message files
	SourceTypePst  = "pst"  // proprietary binary store, best-effort
	SourceTypeImap = "imap" // live server connection
)

// MailboxSource is a registered ingestion origin.
type MailboxSource struct {
	ID               uuid.UUID
	Name             string
	SourceType       string
	Path             string
	ConnectionString string
	LastImportedAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateSource registers a new ingestion origin.
func (db *Database) CreateSource(ctx context.Context, name, sourceType, path, connectionString string) (*MailboxSource, error) {
	src := &MailboxSource{
		ID:               uuid.New(),
		Name:             name,
		SourceType:       sourceType,
		Path:             path,
		ConnectionString: connectionString,
	}

	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO mailbox_sources (id, name, source_type, path, connection_string)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		RETURNING created_at, updated_at`,
		src.ID, name, sourceType, path, connectionString).
		Scan(&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// GetSourceByID fetches one registered source. Returns
// consts.ErrSourceNotFound when no such source exists.
func (db *Database) GetSourceByID(ctx context.Context, id uuid.UUID) (*MailboxSource, error) {
	var src MailboxSource
	var path, connectionString *string

	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, name, source_type, path, connection_string, last_imported_at, created_at, updated_at
		FROM mailbox_sources
		WHERE id = $1`, id).
		Scan(&src.ID, &src.Name, &src.SourceType, &path, &connectionString,
			&src.LastImportedAt, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrSourceNotFound
		}
		return nil, err
	}

	if path != nil {
		src.Path = *path
	}
	if connectionString != nil {
		src.ConnectionString = *connectionString
	}
	return &src, nil
}

// ListSources returns all registered sources, newest first.
func (db *Database) ListSources(ctx context.Context) ([]*MailboxSource, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, name, source_type, path, connection_string, last_imported_at, created_at, updated_at
		FROM mailbox_sources
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*MailboxSource
	for rows.Next() {
		var src MailboxSource
		var path, connectionString *string
		if err := rows.Scan(&src.ID, &src.Name, &src.SourceType, &path, &connectionString,
			&src.LastImportedAt, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, err
		}
		if path != nil {
			src.Path = *path
		}
		if connectionString != nil {
			src.ConnectionString = *connectionString
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// TouchSourceImported records that an import of this source finished.
func (db *Database) TouchSourceImported(ctx context.Context, id uuid.UUID) error {
	_, err := db.GetWritePool().Exec(ctx, `
		UPDATE mailbox_sources
		SET last_imported_at = now(), updated_at = now()
		WHERE id = $1`, id)
	return err
}
