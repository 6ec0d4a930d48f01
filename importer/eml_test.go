package importer

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func drainSource(t *testing.T, src Source) []*RawMessage {
	t.Helper()
	var out []*RawMessage
	for {
		msg, err := src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestOpenEmlSourceMissingPath(t *testing.T) {
	_, err := OpenEmlSource(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestEmlFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "single.eml")
	raw := testMessage("one@example.com", "a@b.c", "subject", "body")
	writeFile(t, path, raw)

	src, err := OpenEmlSource(path)
	require.NoError(t, err)
	defer src.Close()

	total, ok := src.Count()
	assert.True(t, ok)
	assert.Equal(t, int64(1), total)

	msgs := drainSource(t, src)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/INBOX", msgs[0].FolderPath)
	assert.Equal(t, raw, msgs[0].Raw)
}

func TestEmlDirectorySource(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "root.eml"), testMessage("r@example.com", "a@b.c", "root", "x"))
	writeFile(t, filepath.Join(root, "Inbox", "a.eml"), testMessage("a@example.com", "a@b.c", "a", "x"))
	writeFile(t, filepath.Join(root, "Work", "Projects", "b.eml"), testMessage("b@example.com", "a@b.c", "b", "x"))
	writeFile(t, filepath.Join(root, "Work", "ignore.txt"), []byte("not a message"))

	src, err := OpenEmlSource(root)
	require.NoError(t, err)
	defer src.Close()

	total, ok := src.Count()
	assert.True(t, ok)
	assert.Equal(t, int64(3), total)

	msgs := drainSource(t, src)
	require.Len(t, msgs, 3)

	folders := make(map[string]bool)
	for _, m := range msgs {
		folders[m.FolderPath] = true
	}
	assert.True(t, folders["/INBOX"], "root files land in /INBOX")
	assert.True(t, folders["/Inbox"])
	assert.True(t, folders["/Work/Projects"])
}

func TestEmlDirectorySourceLexicalOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.eml"), []byte("From: b@b.c\r\n\r\nb\r\n"))
	writeFile(t, filepath.Join(root, "a.eml"), []byte("From: a@b.c\r\n\r\na\r\n"))

	src, err := OpenEmlSource(root)
	require.NoError(t, err)
	defer src.Close()

	msgs := drainSource(t, src)
	require.Len(t, msgs, 2)
	assert.Contains(t, string(msgs[0].Raw), "a@b.c")
	assert.Contains(t, string(msgs[1].Raw), "b@b.c")
}

func TestEmlDirectorySourceSkipsUnreadableSubdirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.eml"), []byte("From: a@b.c\r\n\r\na\r\n"))

	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "hidden.eml"), []byte("From: b@b.c\r\n\r\nb\r\n"))
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	src, err := OpenEmlSource(root)
	require.NoError(t, err)
	defer src.Close()

	msgs := drainSource(t, src)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Raw), "a@b.c")
}

func TestEmlDirectorySourceSkipsVanishedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.eml"), []byte("From: a@b.c\r\n\r\na\r\n"))
	writeFile(t, filepath.Join(root, "b.eml"), []byte("From: b@b.c\r\n\r\nb\r\n"))

	src, err := OpenEmlSource(root)
	require.NoError(t, err)
	defer src.Close()

	// Delete one file between open and iteration.
	require.NoError(t, os.Remove(filepath.Join(root, "a.eml")))

	msgs := drainSource(t, src)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Raw), "b@b.c")
}
