package audit

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type itemData struct {
	SnapshotID string `json:"snapshot_id"`
	Sequence   int    `json:"sequence"`
}

func TestLog_AppendAndRead(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(l.Path()))

	require.NoError(t, l.Append(EntryDecided, "ami-1", itemData{SnapshotID: "snap-1", Sequence: 4}))
	require.NoError(t, l.Append(EntryDeregistered, "ami-1", nil))
	require.NoError(t, l.AppendError(EntryFailed, "ami-2", itemData{Sequence: 5}, errors.New("denied")))
	require.NoError(t, l.Close())

	r, err := NewReader(l.Path())
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EntryDecided, first.Type)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, "ami-1", first.Subject)

	var data itemData
	require.NoError(t, json.Unmarshal(first.Data, &data))
	assert.Equal(t, itemData{SnapshotID: "snap-1", Sequence: 4}, data)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EntryDeregistered, second.Type)
	assert.Empty(t, second.Data)

	third, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), third.Sequence)
	assert.Equal(t, "denied", third.Error)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLog_ConcurrentAppends(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, l.Append(EntrySnapshotDeleted, "snap", itemData{Sequence: n}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	seen := map[int64]bool{}
	require.NoError(t, Replay(filepath.Dir(l.Path()), time.Time{}, func(e *Entry) error {
		seen[e.Sequence] = true
		return nil
	}))
	assert.Len(t, seen, 20)
}

func TestReplay_Since(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := base
	l.now = func() time.Time { return ts }

	require.NoError(t, l.Append(EntryStarted, "", nil))
	ts = base.Add(time.Hour)
	require.NoError(t, l.Append(EntryReady, "i-1", nil))
	require.NoError(t, l.Close())

	var got []EntryType
	require.NoError(t, Replay(dir, base.Add(time.Minute), func(e *Entry) error {
		got = append(got, e.Type)
		return nil
	}))
	assert.Equal(t, []EntryType{EntryReady}, got)
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(EntryStarted, "", nil))
	require.NoError(t, l.Append(EntryStarted, "", nil))
	require.NoError(t, l.Close())

	stop := errors.New("stop")
	calls := 0
	err = Replay(dir, time.Time{}, func(*Entry) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestReplay_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FilePrefix+"-20240101-000000.000.audit")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	err := Replay(dir, time.Time{}, func(*Entry) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode audit entry")
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := filepath.Join(dir, FilePrefix+"-old.audit")
	fresh := filepath.Join(dir, FilePrefix+"-fresh.audit")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	}
	longAgo := now.AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(old, longAgo, longAgo))
	require.NoError(t, os.Chtimes(other, longAgo, longAgo))

	removed, err := Prune(dir, 7, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestPrune_Disabled(t *testing.T) {
	removed, err := Prune(t.TempDir(), 0, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
