package importer

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mailvault/mailvault/logger"
)

// OpenEmlSource opens either a single .eml file or a directory tree of
// .eml files. In the directory case, sub-directory names become folder
// path components; files at the root land in /INBOX.
func OpenEmlSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("eml path not found: %w", err)
	}
	if info.IsDir() {
		return openEmlDirSource(path)
	}
	return &emlFileSource{path: path}, nil
}

// emlFileSource yields exactly one message.
type emlFileSource struct {
	path string
	done bool
}

func (s *emlFileSource) Count() (int64, bool) { return 1, true }

func (s *emlFileSource) Next() (*RawMessage, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return &RawMessage{Raw: raw, FolderPath: "/INBOX"}, nil
}

func (s *emlFileSource) Close() error { return nil }

// emlDirSource walks a directory tree of .eml files in lexical order.
type emlDirSource struct {
	root  string
	files []string
	next  int
}

func openEmlDirSource(root string) (Source, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable entry skips that subtree, not the run.
			logger.Warn("eml: skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ".eml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan eml directory: %w", err)
	}
	sort.Strings(files)

	return &emlDirSource{root: root, files: files}, nil
}

func (s *emlDirSource) Count() (int64, bool) {
	return int64(len(s.files)), true
}

func (s *emlDirSource) Next() (*RawMessage, error) {
	for s.next < len(s.files) {
		path := s.files[s.next]
		s.next++

		raw, err := os.ReadFile(path)
		if err != nil {
			// A file that vanished or turned unreadable mid-run is
			// skipped, not fatal.
			logger.Warn("eml: skipping unreadable file", "path", path, "error", err)
			continue
		}
		return &RawMessage{Raw: raw, FolderPath: s.folderPath(path)}, nil
	}
	return nil, io.EOF
}

func (s *emlDirSource) folderPath(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "/INBOX"
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return "/INBOX"
	}
	return "/" + filepath.ToSlash(dir)
}

func (s *emlDirSource) Close() error { return nil }
