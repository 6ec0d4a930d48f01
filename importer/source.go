// Package importer ingests messages from mailbox sources into the
// database. A single format-agnostic loop pulls raw messages from a
// Source, extracts their fields, deduplicates them and persists them,
// reporting progress to the owning job as it goes.
package importer

import (
	"fmt"

	"github.com/mailvault/mailvault/db"
)

// RawMessage is one message as pulled from a source, before extraction.
type RawMessage struct {
	// Raw holds the full RFC 2822/5322 message bytes.
	Raw []byte
	// FolderPath is the source-relative folder the message lives in,
	// e.g. "/INBOX" or "/Archive/2023". Empty means the source default.
	FolderPath string
}

// Source yields raw messages from one mailbox origin. Sources are
// one-shot and forward-only: once Next returns io.EOF the source is
// drained and only Close remains valid.
type Source interface {
	// Count returns the total number of messages when the source can
	// know it up front. ok=false means the total is unknown (streaming
	// sources report progress without a denominator).
	Count() (int64, bool)

	// Next returns the next message. io.EOF signals a clean end of the
	// source; any other error is fatal for the whole run.
	Next() (*RawMessage, error)

	// Close releases underlying resources.
	Close() error
}

// OpenSource opens the appropriate Source for a registered origin.
func OpenSource(src *db.MailboxSource) (Source, error) {
	switch src.SourceType {
	case db.SourceTypeMbox:
		return OpenMboxSource(src.Path)
	case db.SourceTypeEml:
		return OpenEmlSource(src.Path)
	case db.SourceTypePst:
		return OpenPSTSource(src.Path)
	case db.SourceTypeImap:
		return OpenIMAPSource(src.ConnectionString)
	default:
		return nil, fmt.Errorf("unknown source type %q", src.SourceType)
	}
}
