package importer

import (
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"
)

// mboxSource reads a single mbox container file. Every message lands in
// /INBOX because the format carries no folder structure.
type mboxSource struct {
	file   *os.File
	reader *mbox.Reader
	count  int64
}

// OpenMboxSource opens an mbox file for import. The file is scanned
// once up front so progress can report a total.
func OpenMboxSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mbox file not found: %w", err)
	}

	count, err := countMboxMessages(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to scan mbox file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &mboxSource{
		file:   f,
		reader: mbox.NewReader(f),
		count:  count,
	}, nil
}

func countMboxMessages(r io.Reader) (int64, error) {
	mr := mbox.NewReader(r)
	var n int64
	for {
		msg, err := mr.NextMessage()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msg); err != nil {
			return 0, err
		}
		n++
	}
}

func (s *mboxSource) Count() (int64, bool) {
	return s.count, true
}

func (s *mboxSource) Next() (*RawMessage, error) {
	msg, err := s.reader.NextMessage()
	if err != nil {
		return nil, err // io.EOF passes through as clean end
	}
	raw, err := io.ReadAll(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to read mbox message: %w", err)
	}
	return &RawMessage{Raw: raw, FolderPath: "/INBOX"}, nil
}

func (s *mboxSource) Close() error {
	return s.file.Close()
}
