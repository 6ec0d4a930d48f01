package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Attachment describes attachment metadata stored alongside a message.
// Attachment payloads themselves are never persisted in the database.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// InsertEmailOptions carries everything needed to persist one message.
type InsertEmailOptions struct {
	SourceID    uuid.UUID
	FolderID    *uuid.UUID
	MessageID   string // empty means the message carried no Message-ID
	ContentHash string
	Subject     string
	Sender      string
	Recipients  []string
	Cc          []string
	Bcc         []string
	SentAt      *time.Time
	BodyText    string
	BodyHTML    *string
	Headers     map[string]string
	Attachments []Attachment
}

// InsertEmail persists one message. The insert tolerates a concurrent
// writer landing the same (source_id, message_id) first: ON CONFLICT DO
// NOTHING plus a unique-violation check both report inserted=false
// instead of an error.
func (db *Database) InsertEmail(ctx context.Context, opts *InsertEmailOptions) (bool, error) {
	var messageID *string
	if opts.MessageID != "" {
		messageID = &opts.MessageID
	}

	recipients := opts.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	cc := opts.Cc
	if cc == nil {
		cc = []string{}
	}
	bcc := opts.Bcc
	if bcc == nil {
		bcc = []string{}
	}
	headers := opts.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	attachments := opts.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}

	var id uuid.UUID
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO emails (
			id, source_id, folder_id, message_id, content_hash,
			subject, sender, recipients, cc, bcc,
			sent_at, body_text, body_html, headers, attachments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (source_id, message_id) WHERE message_id IS NOT NULL DO NOTHING
		RETURNING id`,
		uuid.New(), opts.SourceID, opts.FolderID, messageID, opts.ContentHash,
		opts.Subject, opts.Sender, recipients, cc, bcc,
		opts.SentAt, opts.BodyText, opts.BodyHTML, headers, attachments).Scan(&id)
	if err != nil {
		// No row returned means the conflict clause swallowed the insert.
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasEmailWithMessageID reports whether this source already holds a
// message with the given RFC Message-ID.
func (db *Database) HasEmailWithMessageID(ctx context.Context, sourceID uuid.UUID, messageID string) (bool, error) {
	var exists bool
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM emails WHERE source_id = $1 AND message_id = $2
		)`, sourceID, messageID).Scan(&exists)
	return exists, err
}

// HasEmailWithContentHash reports whether any source already holds a
// message with the given content fingerprint.
func (db *Database) HasEmailWithContentHash(ctx context.Context, contentHash string) (bool, error) {
	var exists bool
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM emails WHERE content_hash = $1
		)`, contentHash).Scan(&exists)
	return exists, err
}

// CountEmailsForSource returns how many messages a source currently has.
func (db *Database) CountEmailsForSource(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	var n int64
	err := db.GetReadPool().QueryRow(ctx,
		`SELECT COUNT(*) FROM emails WHERE source_id = $1`, sourceID).Scan(&n)
	return n, err
}
