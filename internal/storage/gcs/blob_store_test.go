package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	cloudstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/zpx01/video-scraper/internal/storage"
)

const testBucket = "test-bucket"

// fakeGCS is a minimal in-memory implementation of the JSON API paths the
// blob store touches: multipart upload, get, list, delete, compose, media reads.
type fakeGCS struct {
	mu       sync.Mutex
	objects  map[string][]byte
	composes int
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: make(map[string][]byte)}
}

func (f *fakeGCS) attrs(name string) map[string]any {
	return map[string]any{
		"kind":           "storage#object",
		"bucket":         testBucket,
		"name":           name,
		"size":           strconv.Itoa(len(f.objects[name])),
		"generation":     "1",
		"metageneration": "1",
		"contentType":    "application/octet-stream",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "No such object"}})
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	marker := "/b/" + testBucket + "/o"
	idx := strings.Index(r.URL.Path, marker)
	if idx < 0 {
		http.Error(w, "unexpected path "+r.URL.Path, http.StatusBadRequest)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path[idx+len(marker):], "/")

	switch {
	case strings.Contains(r.URL.Path, "/upload/") && r.Method == http.MethodPost:
		f.handleUpload(w, r)
	case rest == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		names := make([]string, 0, len(f.objects))
		for name := range f.objects {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		items := make([]map[string]any, 0, len(names))
		for _, name := range names {
			items = append(items, f.attrs(name))
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": "storage#objects", "items": items})
	case strings.HasSuffix(rest, "/compose") && r.Method == http.MethodPost:
		dest := strings.TrimSuffix(rest, "/compose")
		var req struct {
			SourceObjects []struct {
				Name string `json:"name"`
			} `json:"sourceObjects"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.SourceObjects) > maxComposeSources {
			http.Error(w, "too many sources", http.StatusBadRequest)
			return
		}
		var out []byte
		for _, src := range req.SourceObjects {
			data, ok := f.objects[src.Name]
			if !ok {
				notFound(w)
				return
			}
			out = append(out, data...)
		}
		f.objects[dest] = out
		f.composes++
		writeJSON(w, http.StatusOK, f.attrs(dest))
	case r.Method == http.MethodDelete:
		if _, ok := f.objects[rest]; !ok {
			notFound(w)
			return
		}
		delete(f.objects, rest)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Query().Get("alt") == "media":
		data, ok := f.objects[rest]
		if !ok {
			notFound(w)
			return
		}
		w.Header().Set("X-Goog-Generation", "1")
		w.Header().Set("X-Goog-Metageneration", "1")
		w.Header().Set("Content-Type", "application/octet-stream")
		if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
			var start, end int
			spec := strings.TrimPrefix(rng, "bytes=")
			bounds := strings.SplitN(spec, "-", 2)
			start, _ = strconv.Atoi(bounds[0])
			end = len(data) - 1
			if len(bounds) == 2 && bounds[1] != "" {
				end, _ = strconv.Atoi(bounds[1])
			}
			if end >= len(data) {
				end = len(data) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
			w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(data[start : end+1])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	case r.Method == http.MethodGet:
		if _, ok := f.objects[rest]; !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, f.attrs(rest))
	default:
		http.Error(w, "unsupported", http.StatusBadRequest)
	}
}

func (f *fakeGCS) handleUpload(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		http.Error(w, "expected multipart upload", http.StatusBadRequest)
		return
	}
	reader := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := reader.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dataPart, err := reader.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(dataPart)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	f.objects[name] = data
	writeJSON(w, http.StatusOK, f.attrs(name))
}

func (f *fakeGCS) names(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func newTestStore(t *testing.T) (*BlobStore, *fakeGCS) {
	t.Helper()
	fake := newFakeGCS()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := cloudstorage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
		cloudstorage.WithJSONReads(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket}, nil)
	require.NoError(t, err)
	return store, fake
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"}, nil)
	assert.Error(t, err)

	client, err := cloudstorage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{}, nil)
	assert.Error(t, err)
}

func TestSinkResumesFromParts(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	sink, err := store.OpenSink(ctx, "videos/a.mp4")
	require.NoError(t, err)
	require.NoError(t, sink.WriteAt(ctx, []byte("aaaa"), 0))
	require.NoError(t, sink.WriteAt(ctx, []byte("bbbb"), 4))
	require.ErrorIs(t, sink.WriteAt(ctx, []byte("x"), 1), storage.ErrOffsetMismatch)
	require.NoError(t, sink.Close())

	size, err := store.Size(ctx, "videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	exists, err := store.Exists(ctx, "videos/a.mp4")
	require.NoError(t, err)
	assert.False(t, exists)

	resumed, err := store.OpenSink(ctx, "videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(8), resumed.Size())
	require.NoError(t, resumed.WriteAt(ctx, []byte("cc"), 8))

	uri, err := resumed.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/videos/a.mp4", uri)
	assert.Empty(t, fake.names("videos/a.mp4.parts/"), "parts are removed after commit")

	rc, err := store.Open(ctx, "videos/a.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "aaaabbbbcc", string(data))

	require.NoError(t, store.Delete(ctx, "videos/a.mp4"))
	_, err = store.Open(ctx, "videos/a.mp4")
	require.ErrorIs(t, err, storage.ErrNotExist)
}

func TestSinkTruncate(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	sink, err := store.OpenSink(ctx, "t.bin")
	require.NoError(t, err)
	for off, chunk := range []string{"0123", "4567", "89"} {
		require.NoError(t, sink.WriteAt(ctx, []byte(chunk), int64(off*4)))
	}

	require.NoError(t, sink.Truncate(ctx, 4))
	assert.Equal(t, int64(4), sink.Size())
	assert.Len(t, fake.names("t.bin.parts/"), 1)

	require.NoError(t, sink.Truncate(ctx, 2))
	assert.Equal(t, int64(2), sink.Size())

	uri, err := sink.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/t.bin", uri)
	size, err := store.Size(ctx, "t.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestCommitBatchesCompose(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	sink, err := store.OpenSink(ctx, "many.bin")
	require.NoError(t, err)
	var want strings.Builder
	for i := range 40 {
		b := []byte{byte('a' + i%26)}
		require.NoError(t, sink.WriteAt(ctx, b, int64(i)))
		want.Write(b)
	}
	_, err = sink.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.composes)
	assert.Empty(t, fake.names("many.bin."))

	fake.mu.Lock()
	got := string(fake.objects["many.bin"])
	fake.mu.Unlock()
	assert.Equal(t, want.String(), got)
}

func TestOpenSinkDropsStrayParts(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	fake.mu.Lock()
	fake.objects[partName("gap.bin", 0)] = []byte("abcd")
	fake.objects[partName("gap.bin", 8)] = []byte("zzzz")
	fake.mu.Unlock()

	sink, err := store.OpenSink(ctx, "gap.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sink.Size())
	assert.Equal(t, []string{partName("gap.bin", 0)}, fake.names("gap.bin.parts/"))
}
