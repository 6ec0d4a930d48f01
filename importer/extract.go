package importer

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
	"github.com/mailvault/mailvault/db"
)

// Headers that only describe body encoding; they are dropped from the
// stored header map.
var skipHeaders = map[string]struct{}{
	"content-type":              {},
	"content-transfer-encoding": {},
	"content-disposition":       {},
	"mime-version":              {},
}

// ParseError marks a message whose raw bytes could not be parsed at
// all. It is a per-message error, never fatal for the run.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "message parse failed: " + e.Reason
}

// Fields is the extracted, storage-ready view of one message. Body
// content never appears in logs or error text.
type Fields struct {
	MessageID   string
	Subject     string
	Sender      string
	Recipients  []string
	Cc          []string
	Bcc         []string
	SentAt      *time.Time
	BodyText    string
	BodyHTML    *string
	Headers     map[string]string
	Attachments []db.Attachment
}

// ExtractFields parses raw RFC 2822/5322 bytes into Fields. Unknown
// charsets degrade gracefully; a message that cannot be parsed at all
// yields a *ParseError.
func ExtractFields(raw []byte) (*Fields, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &ParseError{Reason: truncate(err.Error(), maxMessageErrorLen)}
	}

	f := &Fields{
		Recipients: []string{},
		Cc:         []string{},
		Bcc:        []string{},
		Headers:    map[string]string{},
	}

	header := entity.Header
	f.Subject = strings.TrimSpace(headerText(header, "Subject"))
	f.Sender = strings.TrimSpace(headerText(header, "From"))
	f.MessageID = strings.TrimSpace(strings.Trim(strings.TrimSpace(header.Get("Message-Id")), "<>"))
	f.Recipients = addressList(header, "To")
	f.Cc = addressList(header, "Cc")
	f.Bcc = addressList(header, "Bcc")

	if dateStr := strings.TrimSpace(header.Get("Date")); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			f.SentAt = &t
		} else if t, ok := parseZonelessDate(dateStr); ok {
			f.SentAt = &t
		}
	}

	fields := header.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, skip := skipHeaders[strings.ToLower(key)]; skip {
			continue
		}
		// Duplicate headers keep the last occurrence.
		if text, err := fields.Text(); err == nil {
			f.Headers[key] = text
		} else {
			f.Headers[key] = fields.Value()
		}
	}

	walkBody(entity, f)

	// Some messages only carry an HTML rendering. Derive a plain-text
	// body from it so search and fingerprinting still work.
	if f.BodyText == "" && f.BodyHTML != nil {
		f.BodyText = html2text.HTML2Text(*f.BodyHTML)
	}

	return f, nil
}

// walkBody fills body and attachment fields by depth-first traversal of
// the MIME tree. The first text/plain part wins; likewise text/html.
// Parts explicitly marked as attachments are recorded by metadata only.
func walkBody(entity *message.Entity, f *Fields) {
	mr := entity.MultipartReader()
	if mr == nil {
		if body, err := io.ReadAll(entity.Body); err == nil && len(body) > 0 {
			f.BodyText = string(body)
		}
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			// Broken sub-part; keep whatever was extracted so far.
			return
		}

		disp, dispParams, _ := part.Header.ContentDisposition()
		contentType, ctParams, ctErr := part.Header.ContentType()
		if ctErr != nil {
			contentType = "text/plain"
		}

		if strings.EqualFold(disp, "attachment") {
			filename := dispParams["filename"]
			if filename == "" {
				filename = ctParams["name"]
			}
			if filename == "" {
				filename = "unknown"
			}
			f.Attachments = append(f.Attachments, db.Attachment{
				Filename:    filename,
				ContentType: contentType,
			})
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "multipart/"):
			walkBody(part, f)
		case contentType == "text/plain" && f.BodyText == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				f.BodyText = string(body)
			}
		case contentType == "text/html" && f.BodyHTML == nil:
			if body, err := io.ReadAll(part.Body); err == nil {
				html := string(body)
				f.BodyHTML = &html
			}
		}
	}
}

// Date layouts seen in the wild that omit the zone offset. They are
// taken as UTC.
var zonelessDateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04:05",
}

// parseZonelessDate handles Date headers mail.ParseDate rejects for a
// missing zone offset.
func parseZonelessDate(s string) (time.Time, bool) {
	for _, layout := range zonelessDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// headerText decodes one header with RFC 2047 handling, falling back to
// the raw value when the encoded word is malformed.
func headerText(h message.Header, key string) string {
	if text, err := h.Text(key); err == nil {
		return text
	}
	return h.Get(key)
}

// addressList collects addresses from every instance of a recipient
// header, splitting each on commas.
func addressList(h message.Header, key string) []string {
	out := []string{}
	fields := h.FieldsByKey(key)
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		for _, addr := range strings.Split(value, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// truncate caps s at n characters, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Error descriptions are capped: per-message errors in the progress
// document, run-level errors in the jobs.error column.
const (
	maxMessageErrorLen = 300
	maxRunErrorLen     = 2000
)

// errorLabel builds a compact, body-free description of a per-message
// error for the progress document: the innermost error's type name plus
// its message, truncated.
func errorLabel(err error) string {
	return errorLabelN(err, maxMessageErrorLen)
}

func errorLabelN(err error, limit int) string {
	inner := err
	for {
		next, ok := inner.(interface{ Unwrap() error })
		if !ok {
			break
		}
		u := next.Unwrap()
		if u == nil {
			break
		}
		inner = u
	}

	typeName := fmt.Sprintf("%T", inner)
	typeName = strings.TrimPrefix(typeName, "*")
	if idx := strings.LastIndex(typeName, "."); idx >= 0 {
		typeName = typeName[idx+1:]
	}
	return typeName + ": " + truncate(err.Error(), limit)
}
