package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/library"
	"github.com/arcmirror/arcmirror/internal/origin"
	"github.com/arcmirror/arcmirror/internal/retry"
)

// fakeOrigin serves one item's metadata and file bodies and counts file
// requests by name.
type fakeOrigin struct {
	mu       sync.Mutex
	metadata string
	files    map[string]string
	status   map[string]int
	stall    map[string]bool
	requests map[string]int
}

func newFakeOrigin(metadata string, files map[string]string) *fakeOrigin {
	return &fakeOrigin{
		metadata: metadata,
		files:    files,
		status:   map[string]int{},
		stall:    map[string]bool{},
		requests: map[string]int{},
	}
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/metadata/"):
		if o.metadata == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(o.metadata))

	case strings.HasPrefix(r.URL.Path, "/download/"):
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/download/"), "/", 2)
		name := parts[1]

		o.mu.Lock()
		o.requests[name]++
		status, body, stall := o.status[name], o.files[name], o.stall[name]
		o.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if stall {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("partial"))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write([]byte(body))

	default:
		http.NotFound(w, r)
	}
}

func (o *fakeOrigin) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[name]
}

func newTestWorker(t *testing.T, o *fakeOrigin, stall time.Duration) (*Worker, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	client := origin.NewClient(config.OriginConfig{
		MetadataURL: srv.URL + "/metadata",
		DownloadURL: srv.URL + "/download",
		Timeout:     5 * time.Second,
	}, retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}, zerolog.Nop())

	out := &bytes.Buffer{}
	w := New(client, config.WorkerConfig{StallTimeout: stall, ProgressInterval: time.Millisecond}, out, zerolog.Nop())
	return w, out
}

const itemMetadata = `{
  "metadata": {"identifier": "item1", "mediatype": "texts", "title": "Item One"},
  "files": [
    {"name": "a.txt", "size": "5", "source": "original"},
    {"name": "b.jpg", "size": "3", "source": "original"},
    {"name": "c.jpg", "size": "3", "source": "original"},
    {"name": "a_thumb.jpg", "size": "2", "source": "derivative", "original": "b.jpg"},
    {"name": "../evil.txt", "size": "4", "source": "original"}
  ]
}`

func TestRun_BatchSkipsCompleteFilesAndRedownloadsShortOnes(t *testing.T) {
	root := t.TempDir()
	o := newFakeOrigin(itemMetadata, map[string]string{
		"a.txt":       "hello",
		"b.jpg":       "BBB",
		"c.jpg":       "CCC",
		"a_thumb.jpg": "tt",
		"evil.txt":    "evil",
	})
	w, out := newTestWorker(t, o, 5*time.Second)

	itemDir := filepath.Join(root, "books", "item1")
	require.NoError(t, os.MkdirAll(itemDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(itemDir, "b.jpg"), []byte("BBB"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(itemDir, "c.jpg"), []byte("CC"), 0o644))

	result, err := w.Run(context.Background(), Job{Identifier: "item1", DestRoot: root, MediaType: "texts"})
	require.NoError(t, err)

	assert.Equal(t, itemDir, result.ItemDir)
	assert.ElementsMatch(t, []string{"a.txt", "c.jpg"}, result.Downloaded)
	assert.Equal(t, []string{"b.jpg"}, result.Skipped)
	assert.Equal(t, []string{"a_thumb.jpg"}, result.Derivatives)
	assert.Equal(t, []string{"../evil.txt"}, result.Rejected)

	assert.Equal(t, 0, o.count("b.jpg"), "complete file must not be requested")
	assert.Equal(t, 1, o.count("c.jpg"))
	assert.Equal(t, 0, o.count("a_thumb.jpg"))

	data, err := os.ReadFile(filepath.Join(itemDir, "c.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "CCC", string(data))

	_, err = os.Stat(filepath.Join(root, "books", "evil.txt"))
	assert.True(t, os.IsNotExist(err), "nothing may be written outside the item directory")

	_, err = os.Stat(library.SnapshotPath(itemDir))
	assert.NoError(t, err, "metadata snapshot must be written")

	assert.Contains(t, out.String(), "Progress: 100%")
}

func TestRun_BatchRerunSkipsListingsMarkedOriginal(t *testing.T) {
	root := t.TempDir()
	o := newFakeOrigin(`{
  "metadata": {"mediatype": "texts"},
  "files": [
    {"name": "a.txt", "size": "5", "source": "original"},
    {"name": "item1_files.xml", "source": "original"},
    {"name": "item1__ia_thumb.jpg", "size": "2", "source": "original"},
    {"name": "item1_archive.torrent", "size": "3", "source": "metadata"}
  ]
}`, map[string]string{
		"a.txt":                 "hello",
		"item1_files.xml":       "<files/>",
		"item1__ia_thumb.jpg":   "tt",
		"item1_archive.torrent": "tor",
	})
	w, _ := newTestWorker(t, o, 5*time.Second)
	job := Job{Identifier: "item1", DestRoot: root, MediaType: "texts"}

	first, err := w.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, first.Downloaded)
	assert.ElementsMatch(t, []string{"item1_files.xml", "item1__ia_thumb.jpg", "item1_archive.torrent"}, first.Derivatives)

	second, err := w.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, second.Downloaded)
	assert.Equal(t, []string{"a.txt"}, second.Skipped)

	assert.Equal(t, 1, o.count("a.txt"))
	assert.Equal(t, 0, o.count("item1_files.xml"))
	assert.Equal(t, 0, o.count("item1__ia_thumb.jpg"))
}

func TestRun_BatchContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	o := newFakeOrigin(`{"metadata":{"mediatype":"audio"},"files":[{"name":"one.flac","size":"3"},{"name":"two.flac","size":"3"}]}`,
		map[string]string{"two.flac": "two"})
	o.status["one.flac"] = http.StatusNotFound
	w, _ := newTestWorker(t, o, 5*time.Second)

	result, err := w.Run(context.Background(), Job{Identifier: "show", DestRoot: root, MediaType: "audio"})

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Len(t, batchErr.Failures, 1)
	assert.Equal(t, "one.flac", batchErr.Failures[0].Name)
	assert.Equal(t, ExitDownload, ExitCode(err))

	assert.Equal(t, []string{"two.flac"}, result.Downloaded)
	_, err = os.Stat(filepath.Join(root, "concerts", "show", "one.flac"+partSuffix))
	assert.True(t, os.IsNotExist(err), "partial file must be removed")
}

func TestRun_SingleFileRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	o := newFakeOrigin(itemMetadata, map[string]string{"evil.txt": "evil"})
	w, _ := newTestWorker(t, o, 5*time.Second)

	_, err := w.Run(context.Background(), Job{Identifier: "item1", DestRoot: root, MediaType: "texts", File: "../evil.txt"})

	var pathErr *library.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, ExitPath, ExitCode(err))
	assert.Equal(t, 0, o.count("evil.txt"))
}

func TestRun_SingleFileDownloadsDerivativeOnRequest(t *testing.T) {
	root := t.TempDir()
	o := newFakeOrigin(itemMetadata, map[string]string{"a_thumb.jpg": "tt"})
	w, _ := newTestWorker(t, o, 5*time.Second)

	result, err := w.Run(context.Background(), Job{Identifier: "item1", DestRoot: root, MediaType: "texts", File: "a_thumb.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a_thumb.jpg"}, result.Downloaded)
}

func TestRun_MetadataFailure(t *testing.T) {
	o := newFakeOrigin("", nil)
	w, _ := newTestWorker(t, o, 5*time.Second)

	_, err := w.Run(context.Background(), Job{Identifier: "gone", DestRoot: t.TempDir(), MediaType: "texts"})
	require.Error(t, err)
	assert.Equal(t, ExitMetadata, ExitCode(err))
}

func TestRun_MalformedMetadata(t *testing.T) {
	o := newFakeOrigin(`{"files": "nope"`, nil)
	w, _ := newTestWorker(t, o, 5*time.Second)

	_, err := w.Run(context.Background(), Job{Identifier: "bad", DestRoot: t.TempDir(), MediaType: "texts"})
	var mdErr *origin.MetadataError
	require.ErrorAs(t, err, &mdErr)
	assert.Equal(t, ExitMetadata, ExitCode(err))
}

func TestRun_StallAbortsAndRemovesPartial(t *testing.T) {
	root := t.TempDir()
	o := newFakeOrigin(`{"metadata":{},"files":[{"name":"big.bin","size":"1000"}]}`, nil)
	o.stall["big.bin"] = true
	w, _ := newTestWorker(t, o, 100*time.Millisecond)

	_, err := w.Run(context.Background(), Job{Identifier: "slow", DestRoot: root, MediaType: "data", File: "big.bin"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStalled), "got %v", err)
	assert.Equal(t, ExitDownload, ExitCode(err))

	entries, err := os.ReadDir(filepath.Join(root, "data", "slow"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), partSuffix), "leftover partial %s", e.Name())
	}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Job
		wantErr bool
	}{
		{"batch", []string{"id", "/srv", "texts"}, Job{Identifier: "id", DestRoot: "/srv", MediaType: "texts"}, false},
		{"single", []string{"id", "/srv", "audio", "a b.flac"}, Job{Identifier: "id", DestRoot: "/srv", MediaType: "audio", File: "a b.flac"}, false},
		{"too few", []string{"id", "/srv"}, Job{}, true},
		{"too many", []string{"a", "b", "c", "d", "e"}, Job{}, true},
		{"blank identifier", []string{" ", "/srv", "texts"}, Job{}, true},
		{"blank root", []string{"id", "", "texts"}, Job{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ExitUsage, ExitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitInterrupted, ExitCode(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.Equal(t, ExitGeneral, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitDownload, ExitCode(&FileError{Name: "x", Err: errors.New("eof")}))
}

func TestCleanupRemovesTrackedPartials(t *testing.T) {
	dir := t.TempDir()
	part := filepath.Join(dir, "x.bin"+partSuffix)
	require.NoError(t, os.WriteFile(part, []byte("abc"), 0o644))

	w := New(nil, config.WorkerConfig{}, &bytes.Buffer{}, zerolog.Nop())
	w.track(part)
	w.Cleanup()

	_, err := os.Stat(part)
	assert.True(t, os.IsNotExist(err))
}

func TestProgressReporter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressReporter(&buf, 0, time.Hour)
	_, _ = p.Write(make([]byte, 10))
	_, _ = p.Write(make([]byte, 10))
	p.Finish()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{"Downloaded: 10 bytes", "Downloaded: 20 bytes"}, lines)

	buf.Reset()
	p = newProgressReporter(&buf, 200, time.Hour)
	_, _ = p.Write(make([]byte, 50))
	p.Finish()
	assert.Equal(t, "Progress: 25%\nProgress: 25%\n", buf.String())
}
