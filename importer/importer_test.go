package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mailvault/mailvault/consts"
	"github.com/mailvault/mailvault/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu sync.Mutex

	sources map[uuid.UUID]*db.MailboxSource
	touched map[uuid.UUID]int

	folders map[string]uuid.UUID // "<source>|<path>" -> id
	upserts int

	emails []*db.InsertEmailOptions

	// loseInsertRace makes every InsertEmail report that a concurrent
	// writer got there first.
	loseInsertRace bool

	jobStatus     map[uuid.UUID]string
	jobProgress   map[uuid.UUID][]byte
	jobError      map[uuid.UUID]string
	progressSaves [][]byte
}

func newMemStore() *memStore {
	return &memStore{
		sources:     make(map[uuid.UUID]*db.MailboxSource),
		touched:     make(map[uuid.UUID]int),
		folders:     make(map[string]uuid.UUID),
		jobStatus:   make(map[uuid.UUID]string),
		jobProgress: make(map[uuid.UUID][]byte),
		jobError:    make(map[uuid.UUID]string),
	}
}

func (m *memStore) addSource(sourceType string) uuid.UUID {
	id := uuid.New()
	m.sources[id] = &db.MailboxSource{ID: id, Name: "test", SourceType: sourceType}
	return id
}

func (m *memStore) GetSourceByID(_ context.Context, id uuid.UUID) (*db.MailboxSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, consts.ErrSourceNotFound
	}
	return src, nil
}

func (m *memStore) TouchSourceImported(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id]++
	return nil
}

func (m *memStore) UpsertFolder(_ context.Context, sourceID uuid.UUID, _ *uuid.UUID, _ string, fullPath string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	key := sourceID.String() + "|" + fullPath
	if id, ok := m.folders[key]; ok {
		return id, nil
	}
	id := uuid.New()
	m.folders[key] = id
	return id, nil
}

func (m *memStore) HasEmailWithMessageID(_ context.Context, sourceID uuid.UUID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.emails {
		if e.SourceID == sourceID && e.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) HasEmailWithContentHash(_ context.Context, contentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.emails {
		if e.ContentHash == contentHash {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertEmail(_ context.Context, opts *db.InsertEmailOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loseInsertRace {
		return false, nil
	}
	m.emails = append(m.emails, opts)
	return true, nil
}

func (m *memStore) MarkJobStarted(_ context.Context, jobID uuid.UUID, progress []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus[jobID] = db.JobStatusStarted
	m.jobProgress[jobID] = progress
	return nil
}

func (m *memStore) SaveJobProgress(_ context.Context, jobID uuid.UUID, progress []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobProgress[jobID] = progress
	m.progressSaves = append(m.progressSaves, progress)
	return nil
}

func (m *memStore) FinishJob(_ context.Context, jobID uuid.UUID, status string, progress []byte, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus[jobID] = status
	if progress != nil {
		m.jobProgress[jobID] = progress
	}
	m.jobError[jobID] = errText
	return nil
}

// sliceSource serves raw messages from memory.
type sliceSource struct {
	msgs    []*RawMessage
	next    int
	nextErr error // returned after the messages are drained, instead of io.EOF
	closed  bool
}

func (s *sliceSource) Count() (int64, bool) { return int64(len(s.msgs)), true }

func (s *sliceSource) Next() (*RawMessage, error) {
	if s.next >= len(s.msgs) {
		if s.nextErr != nil {
			return nil, s.nextErr
		}
		return nil, io.EOF
	}
	msg := s.msgs[s.next]
	s.next++
	return msg, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func testMessage(msgID, from, subject, body string) []byte {
	return []byte("Message-ID: <" + msgID + ">\r\n" +
		"From: " + from + "\r\n" +
		"To: archive@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2023 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n")
}

func newTestImporter(store Store, src Source, opts Options) *Importer {
	opts.OpenSource = func(*db.MailboxSource) (Source, error) { return src, nil }
	return New(store, opts)
}

func TestRunImportsAllMessages(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)
	jobID := uuid.New()

	src := &sliceSource{msgs: []*RawMessage{
		{Raw: testMessage("a@example.com", "alice@example.com", "first", "hello"), FolderPath: "/INBOX"},
		{Raw: testMessage("b@example.com", "bob@example.com", "second", "world"), FolderPath: "/Archive/2023"},
	}}

	im := newTestImporter(store, src, Options{})
	progress, err := im.Run(context.Background(), sourceID, jobID)
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, progress.Phase)
	assert.Equal(t, int64(2), progress.Processed)
	assert.Equal(t, int64(2), progress.Inserted)
	assert.Equal(t, int64(0), progress.Skipped)
	assert.Equal(t, int64(0), progress.Errors)
	require.NotNil(t, progress.Total)
	assert.Equal(t, int64(2), *progress.Total)
	assert.Equal(t, 3, progress.FolderCount) // /INBOX, /Archive, /Archive/2023

	assert.Equal(t, db.JobStatusSuccess, store.jobStatus[jobID])
	assert.Equal(t, 1, store.touched[sourceID])
	assert.True(t, src.closed)
	require.Len(t, store.emails, 2)
	assert.Equal(t, "a@example.com", store.emails[0].MessageID)
}

func TestRunIsIdempotent(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)

	msgs := []*RawMessage{
		{Raw: testMessage("a@example.com", "alice@example.com", "first", "hello")},
		{Raw: testMessage("b@example.com", "bob@example.com", "second", "world")},
	}

	im := newTestImporter(store, &sliceSource{msgs: msgs}, Options{})
	_, err := im.Run(context.Background(), sourceID, uuid.New())
	require.NoError(t, err)

	im = newTestImporter(store, &sliceSource{msgs: msgs}, Options{})
	progress, err := im.Run(context.Background(), sourceID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, int64(2), progress.Processed)
	assert.Equal(t, int64(0), progress.Inserted)
	assert.Equal(t, int64(2), progress.Skipped)
	assert.Len(t, store.emails, 2)
}

func TestRunDeduplicatesAcrossSourcesByContentHash(t *testing.T) {
	store := newMemStore()
	first := store.addSource(db.SourceTypeMbox)
	second := store.addSource(db.SourceTypeEml)

	// No Message-ID, so only the content hash can link the two copies.
	raw := []byte("From: alice@example.com\r\n" +
		"Subject: no id\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"same body\r\n")

	im := newTestImporter(store, &sliceSource{msgs: []*RawMessage{{Raw: raw}}}, Options{})
	_, err := im.Run(context.Background(), first, uuid.New())
	require.NoError(t, err)

	im = newTestImporter(store, &sliceSource{msgs: []*RawMessage{{Raw: raw}}}, Options{})
	progress, err := im.Run(context.Background(), second, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, int64(1), progress.Skipped)
	assert.Equal(t, int64(0), progress.Inserted)
	assert.Len(t, store.emails, 1)
}

func TestRunSameMessageIDInDifferentSourcesBothInserted(t *testing.T) {
	store := newMemStore()
	first := store.addSource(db.SourceTypeMbox)
	second := store.addSource(db.SourceTypeMbox)

	// Same Message-ID but different content: Message-ID dedup is
	// source-scoped, and the differing bodies give distinct hashes.
	one := testMessage("shared@example.com", "alice@example.com", "copy", "body one")
	two := testMessage("shared@example.com", "alice@example.com", "copy", "body two")

	im := newTestImporter(store, &sliceSource{msgs: []*RawMessage{{Raw: one}}}, Options{})
	_, err := im.Run(context.Background(), first, uuid.New())
	require.NoError(t, err)

	im = newTestImporter(store, &sliceSource{msgs: []*RawMessage{{Raw: two}}}, Options{})
	progress, err := im.Run(context.Background(), second, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, int64(1), progress.Inserted)
	assert.Len(t, store.emails, 2)
}

func TestRunIsolatesPerMessageErrors(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)
	jobID := uuid.New()

	src := &sliceSource{msgs: []*RawMessage{
		{Raw: testMessage("ok1@example.com", "a@example.com", "fine", "body")},
		{Raw: []byte("not a header line at all")}, // unparseable
		{Raw: testMessage("ok2@example.com", "b@example.com", "also fine", "body")},
	}}

	im := newTestImporter(store, src, Options{})
	progress, err := im.Run(context.Background(), sourceID, jobID)
	require.NoError(t, err)

	assert.Equal(t, int64(3), progress.Processed)
	assert.Equal(t, int64(2), progress.Inserted)
	assert.Equal(t, int64(1), progress.Errors)
	assert.Equal(t, progress.Processed, progress.Inserted+progress.Skipped+progress.Errors)
	assert.NotEmpty(t, progress.LastError)
	assert.Equal(t, db.JobStatusSuccess, store.jobStatus[jobID])
}

func TestRunUnknownSourceFailsJob(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()

	im := New(store, Options{})
	_, err := im.Run(context.Background(), uuid.New(), jobID)
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrSourceNotFound)
	assert.Equal(t, db.JobStatusFailure, store.jobStatus[jobID])
	assert.NotEmpty(t, store.jobError[jobID])
}

func TestRunOpenSourceFailureFailsJob(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypePst)
	jobID := uuid.New()

	im := New(store, Options{OpenSource: func(*db.MailboxSource) (Source, error) {
		return nil, ErrPSTUnavailable
	}})

	_, err := im.Run(context.Background(), sourceID, jobID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPSTUnavailable)
	assert.Equal(t, db.JobStatusFailure, store.jobStatus[jobID])
}

func TestRunSourceReadErrorFailsRun(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)
	jobID := uuid.New()

	src := &sliceSource{
		msgs:    []*RawMessage{{Raw: testMessage("a@example.com", "a@example.com", "x", "y")}},
		nextErr: errors.New("disk read error"),
	}

	im := newTestImporter(store, src, Options{})
	progress, err := im.Run(context.Background(), sourceID, jobID)
	require.Error(t, err)

	assert.Equal(t, db.JobStatusFailure, store.jobStatus[jobID])
	// The message before the failure was still imported.
	assert.Equal(t, int64(1), progress.Inserted)
	assert.Len(t, store.emails, 1)
}

func TestRunFailureKeepsLongErrorDetail(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)
	jobID := uuid.New()

	// Well past the per-message cap; run-level errors keep more detail.
	detail := strings.Repeat("segment/", 60)
	src := &sliceSource{nextErr: errors.New("read failed at " + detail)}

	im := newTestImporter(store, src, Options{})
	_, err := im.Run(context.Background(), sourceID, jobID)
	require.Error(t, err)

	assert.Equal(t, db.JobStatusFailure, store.jobStatus[jobID])
	assert.Contains(t, store.jobError[jobID], detail)
}

func TestRunFlushesProgressEveryBatch(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)

	var msgs []*RawMessage
	for i := 0; i < 7; i++ {
		msgs = append(msgs, &RawMessage{
			Raw: testMessage(fmt.Sprintf("m%d@example.com", i), "a@example.com", "s", fmt.Sprintf("body %d", i)),
		})
	}

	im := newTestImporter(store, &sliceSource{msgs: msgs}, Options{ProgressBatch: 3})
	_, err := im.Run(context.Background(), sourceID, uuid.New())
	require.NoError(t, err)

	// 7 messages, batch of 3: flushes after messages 3 and 6.
	require.Len(t, store.progressSaves, 2)

	var snap Progress
	require.NoError(t, json.Unmarshal(store.progressSaves[0], &snap))
	assert.Equal(t, PhaseImporting, snap.Phase)
	assert.Equal(t, int64(3), snap.Processed)

	require.NoError(t, json.Unmarshal(store.progressSaves[1], &snap))
	assert.Equal(t, int64(6), snap.Processed)
}

func TestRunCountsLostInsertRaceAsSkipped(t *testing.T) {
	store := newMemStore()
	store.loseInsertRace = true
	sourceID := store.addSource(db.SourceTypeMbox)

	src := &sliceSource{msgs: []*RawMessage{
		{Raw: testMessage("a@example.com", "alice@example.com", "raced", "body")},
	}}

	im := newTestImporter(store, src, Options{})
	progress, err := im.Run(context.Background(), sourceID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, int64(1), progress.Skipped)
	assert.Equal(t, int64(0), progress.Inserted)
	assert.Equal(t, int64(0), progress.Errors)
}

type recordingArchiver struct {
	keys []string
}

func (a *recordingArchiver) Archive(_ context.Context, contentHash string, _ []byte) error {
	a.keys = append(a.keys, contentHash)
	return nil
}

func TestRunArchivesInsertedMessages(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)
	archiver := &recordingArchiver{}

	msgs := []*RawMessage{
		{Raw: testMessage("a@example.com", "alice@example.com", "one", "body one")},
		{Raw: testMessage("a@example.com", "alice@example.com", "one", "body one")}, // duplicate
	}

	im := newTestImporter(store, &sliceSource{msgs: msgs}, Options{Archiver: archiver})
	progress, err := im.Run(context.Background(), sourceID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, int64(1), progress.Inserted)
	assert.Equal(t, int64(1), progress.Skipped)
	// Only the inserted message reached the archiver.
	require.Len(t, archiver.keys, 1)
	assert.Equal(t, store.emails[0].ContentHash, archiver.keys[0])
}

func TestRunCancelledContextStopsRun(t *testing.T) {
	store := newMemStore()
	sourceID := store.addSource(db.SourceTypeMbox)
	jobID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &sliceSource{msgs: []*RawMessage{
		{Raw: testMessage("a@example.com", "alice@example.com", "x", "y")},
	}}

	im := newTestImporter(store, src, Options{})
	_, err := im.Run(ctx, sourceID, jobID)
	require.ErrorIs(t, err, context.Canceled)

	// The job is left started; resolution is up to the supervisor.
	assert.Equal(t, db.JobStatusStarted, store.jobStatus[jobID])
	assert.Empty(t, store.emails)
}
