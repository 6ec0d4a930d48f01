package importer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/mailvault/mailvault/logger"
)

// ErrPSTUnavailable is returned when a PST import is requested but no
// PST decoder is linked into the binary. The message tells the operator
// how to proceed without one.
var ErrPSTUnavailable = errors.New(
	"no PST decoder is available in this build. " +
		"Convert your PST to MBOX with readpst first:\n" +
		"    readpst -o /uploads/export/ /uploads/mailbox.pst\n" +
		"then register the MBOX export as an mbox source")

// PSTMessage is one decoded PST message. Decoders fill what they can;
// zero values are tolerated everywhere.
type PSTMessage struct {
	Identifier    uint64
	Subject       string
	SenderName    string
	DisplayTo     string
	DisplayCc     string
	DeliveryTime  *time.Time
	PlainTextBody []byte
}

// PSTFolder is one folder in a PST hierarchy.
type PSTFolder interface {
	Name() string
	NumMessages() int
	Message(i int) (*PSTMessage, error)
	NumSubFolders() int
	SubFolder(i int) (PSTFolder, error)
}

// PSTFile is an open PST container.
type PSTFile interface {
	RootFolder() (PSTFolder, error)
	Close() error
}

// PSTDecoder opens PST containers. Implementations typically wrap a
// cgo binding and register themselves from an init function, the same
// way database/sql drivers do.
type PSTDecoder interface {
	Open(path string) (PSTFile, error)
}

var pstDecoder PSTDecoder

// RegisterPSTDecoder makes a decoder available to PST imports. Calling
// it twice panics; there is no meaningful way to pick between decoders.
func RegisterPSTDecoder(d PSTDecoder) {
	if d == nil {
		panic("importer: RegisterPSTDecoder with nil decoder")
	}
	if pstDecoder != nil {
		panic("importer: PST decoder already registered")
	}
	pstDecoder = d
}

// pstSource walks a PST folder hierarchy depth-first, synthesizing RFC
// 2822 bytes for each decoded message.
type pstSource struct {
	file  PSTFile
	stack []*pstFrame
}

type pstFrame struct {
	folder PSTFolder
	path   string
	msgIdx int
	subIdx int
}

// OpenPSTSource opens a PST file for import. Fails with
// ErrPSTUnavailable when no decoder is registered.
func OpenPSTSource(path string) (Source, error) {
	if pstDecoder == nil {
		return nil, ErrPSTUnavailable
	}
	file, err := pstDecoder.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PST file: %w", err)
	}
	root, err := file.RootFolder()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read PST root folder: %w", err)
	}
	return &pstSource{
		file:  file,
		stack: []*pstFrame{{folder: root, path: "/"}},
	}, nil
}

// Count reports unknown: PST traversal has no cheap total.
func (s *pstSource) Count() (int64, bool) {
	return 0, false
}

func (s *pstSource) Next() (*RawMessage, error) {
	for len(s.stack) > 0 {
		frame := s.stack[len(s.stack)-1]

		for frame.msgIdx < frame.folder.NumMessages() {
			i := frame.msgIdx
			frame.msgIdx++

			msg, err := frame.folder.Message(i)
			if err != nil {
				// Individual corrupt entries are skipped, not fatal.
				logger.Debug("pst: skipping message", "index", i, "folder", frame.path, "error", err)
				continue
			}
			raw, err := synthesizeRFC2822(msg)
			if err != nil {
				logger.Debug("pst: skipping unsynthesizable message", "index", i, "folder", frame.path, "error", err)
				continue
			}
			return &RawMessage{Raw: raw, FolderPath: frame.path}, nil
		}

		if frame.subIdx < frame.folder.NumSubFolders() {
			j := frame.subIdx
			frame.subIdx++

			sub, err := frame.folder.SubFolder(j)
			if err != nil {
				logger.Debug("pst: skipping sub-folder", "index", j, "folder", frame.path, "error", err)
				continue
			}
			s.stack = append(s.stack, &pstFrame{
				folder: sub,
				path:   childFolderPath(frame.path, sub.Name()),
			})
			continue
		}

		s.stack = s.stack[:len(s.stack)-1]
	}
	return nil, io.EOF
}

func (s *pstSource) Close() error {
	return s.file.Close()
}

func childFolderPath(parent, name string) string {
	name = strings.TrimSpace(name)
	path := strings.TrimRight(parent, "/") + "/" + name
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	return path
}

// synthesizeRFC2822 renders a decoded PST message as RFC 2822 bytes so
// the rest of the pipeline can treat PST like any other format. The
// Message-ID is derived from the PST-internal identifier, which keeps
// re-imports of the same file idempotent.
func synthesizeRFC2822(msg *PSTMessage) ([]byte, error) {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.Subject != "" {
		h.SetText("Subject", msg.Subject)
	}
	if msg.SenderName != "" {
		h.SetText("From", msg.SenderName)
	}
	if msg.DisplayTo != "" {
		h.SetText("To", msg.DisplayTo)
	}
	if msg.DisplayCc != "" {
		h.SetText("Cc", msg.DisplayCc)
	}
	if msg.Identifier != 0 {
		h.Set("Message-Id", fmt.Sprintf("<pst-%d@local>", msg.Identifier))
	}
	if msg.DeliveryTime != nil {
		h.Set("Date", msg.DeliveryTime.UTC().Format("Mon, 02 Jan 2006 15:04:05 +0000"))
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	body := msg.PlainTextBody
	if len(body) == 0 {
		body = []byte(" ")
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
