package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/media"
)

func sampleRecord() *checkpoint.Record {
	return &checkpoint.Record{
		Seq: 7,
		Jobs: []media.Job{
			{ID: "a", URL: "https://example.com/a.mp4", Status: media.JobStatusCompleted, BytesTotal: 10, BytesTransferred: 10, Watermark: 10},
			{ID: "b", URL: "https://example.com/b.mp4", Status: media.JobStatusRunning, BytesTotal: 100, Watermark: 40},
			{ID: "c", URL: "https://example.com/c.mp4", Status: media.JobStatusFailed, Attempts: 3, LastError: "boom"},
			{ID: "d", URL: "https://example.com/d.mp4", Status: media.JobStatusPending},
		},
		Crawl: &checkpoint.CrawlState{
			Visited:  []string{"v1", "v2"},
			Frontier: []checkpoint.FrontierEntry{{ID: "v3", Depth: 1, ParentID: "v1", Edges: 2}},
			Nodes:    []media.DiscoveryNode{{VideoID: "v1", RelatedIDs: []string{"v2", "v3"}}},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, store.Save(context.Background(), sampleRecord()))
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, checkpoint.Version, loaded.Version)
	assert.Equal(t, uint64(7), loaded.Seq)
	assert.Equal(t, []string{"a"}, loaded.Completed())
	assert.Equal(t, []string{"b", "d"}, loaded.Pending())
	assert.Equal(t, map[string]int{"c": 3}, loaded.Failed())
	assert.Equal(t, map[string]int64{"a": 10, "b": 40}, loaded.Watermarks())
	assert.Equal(t, []string{"v1", "v2"}, loaded.Crawl.Visited)
	assert.Equal(t, "v1", loaded.Crawl.Frontier[0].ParentID)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")
}

func TestStoreSaveReplacesPrevious(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	first := sampleRecord()
	require.NoError(t, store.Save(context.Background(), first))
	second := sampleRecord()
	second.Seq = 8
	second.Jobs[1].Status = media.JobStatusCompleted
	require.NoError(t, store.Save(context.Background(), second))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), loaded.Seq)
	assert.Equal(t, []string{"a", "b"}, loaded.Completed())
}

func TestStoreTornTempLeavesRecordIntact(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(context.Background(), sampleRecord()))
	// A crash between write and rename leaves only a partial temp file.
	require.NoError(t, os.WriteFile(path+".tmp", []byte(`{"version":1,"jo`), 0o644))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.Seq)
}

func TestStoreCorruptIsFatal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, checkpoint.ErrCorrupt)
	assert.Equal(t, media.KindFatal, media.KindOf(err))

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "not json", string(data), "corrupt record is never discarded")
}

func TestStoreLockIsExclusive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	first, err := Open(path, nil)
	require.NoError(t, err)

	owner, err := ReadOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner.PID)
	assert.WithinDuration(t, time.Now(), owner.CreatedAt, time.Minute)

	_, err = Open(path, nil)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestReadFileWithoutLock(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	rec, err := ReadFile(path)
	require.NoError(t, err)
	assert.Nil(t, rec)

	store, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleRecord()))
	require.NoError(t, store.Close())

	rec, err = ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, rec.Jobs, 4)
}
