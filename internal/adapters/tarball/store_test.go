package tarball

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pubvault/pubvault/internal/core/services"
)

var gzipBytes = []byte{0x1F, 0x8B, 0x08, 0x00, 0x01, 0x02, 0x03, 0x04}

// stubUpstream serves body for every tarball request and counts fetches.
type stubUpstream struct {
	srv    *httptest.Server
	body   []byte
	status int
	hits   atomic.Int64
}

func newStubUpstream(t *testing.T, body []byte, status int) *stubUpstream {
	t.Helper()
	u := &stubUpstream{body: body, status: status}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.WriteHeader(u.status)
		w.Write(u.body)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newTestStore(t *testing.T, upstream string) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), upstream, nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestUploadAndDownload(t *testing.T) {
	store := newTestStore(t, "http://unused")

	if err := store.Upload("foo", "1.0.0", bytes.NewReader(gzipBytes)); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, err := store.Download("foo", "1.0.0")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if !bytes.Equal(got, gzipBytes) {
		t.Errorf("archive bytes = %v, want %v", got, gzipBytes)
	}
}

func TestUploadOverwrites(t *testing.T) {
	store := newTestStore(t, "http://unused")

	store.Upload("foo", "1.0.0", bytes.NewReader([]byte("old")))
	if err := store.Upload("foo", "1.0.0", bytes.NewReader(gzipBytes)); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, _ := store.Download("foo", "1.0.0")
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, gzipBytes) {
		t.Error("second upload did not overwrite the first")
	}
}

func TestDownloadMissing(t *testing.T) {
	store := newTestStore(t, "http://unused")

	_, err := store.Download("foo", "1.0.0")
	if !errors.Is(err, services.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHasCachedFile(t *testing.T) {
	store := newTestStore(t, "http://unused")

	if store.HasCachedFile("foo", "1.0.0") {
		t.Error("expected miss for absent file")
	}

	store.Upload("foo", "1.0.0", bytes.NewReader(gzipBytes))
	if !store.HasCachedFile("foo", "1.0.0") {
		t.Error("expected hit for valid archive")
	}

	// A truncated or non-gzip file must count as not cached.
	store.Upload("bad", "1.0.0", bytes.NewReader([]byte("not gzip")))
	if store.HasCachedFile("bad", "1.0.0") {
		t.Error("expected miss for non-gzip file")
	}
	store.Upload("empty", "1.0.0", bytes.NewReader(nil))
	if store.HasCachedFile("empty", "1.0.0") {
		t.Error("expected miss for empty file")
	}
}

func TestDownloadAndCache(t *testing.T) {
	upstream := newStubUpstream(t, gzipBytes, http.StatusOK)
	store := newTestStore(t, upstream.srv.URL)

	if !store.DownloadAndCache("foo", "1.0.0") {
		t.Fatal("DownloadAndCache failed")
	}
	if !store.HasCachedFile("foo", "1.0.0") {
		t.Error("expected archive to be cached")
	}

	rc, err := store.Download("foo", "1.0.0")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if len(got) < 2 || got[0] != 0x1F || got[1] != 0x8B {
		t.Error("cached archive does not start with gzip magic")
	}
}

func TestDownloadAndCacheIdempotent(t *testing.T) {
	upstream := newStubUpstream(t, gzipBytes, http.StatusOK)
	store := newTestStore(t, upstream.srv.URL)

	if !store.DownloadAndCache("foo", "1.0.0") {
		t.Fatal("first DownloadAndCache failed")
	}
	if !store.DownloadAndCache("foo", "1.0.0") {
		t.Fatal("second DownloadAndCache failed")
	}
	if n := upstream.hits.Load(); n != 1 {
		t.Errorf("upstream fetches = %d, want 1", n)
	}
}

func TestDownloadAndCacheNon200(t *testing.T) {
	upstream := newStubUpstream(t, nil, http.StatusNotFound)
	store := newTestStore(t, upstream.srv.URL)

	if store.DownloadAndCache("foo", "1.0.0") {
		t.Error("expected failure on 404")
	}
	if store.HasCachedFile("foo", "1.0.0") {
		t.Error("no file must exist after a failed fill")
	}
}

func TestDownloadAndCacheBadBody(t *testing.T) {
	upstream := newStubUpstream(t, []byte("<html>error page</html>"), http.StatusOK)
	store := newTestStore(t, upstream.srv.URL)

	if store.DownloadAndCache("foo", "1.0.0") {
		t.Error("expected failure for non-gzip body")
	}

	// Neither the canonical file nor the temp file may be left behind.
	entries, err := os.ReadDir(store.baseDir)
	if err != nil {
		t.Fatalf("reading base dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("leftover file after failed fill: %s", e.Name())
	}
}

func TestDownloadAndCacheUpstreamDown(t *testing.T) {
	upstream := newStubUpstream(t, gzipBytes, http.StatusOK)
	store := newTestStore(t, upstream.srv.URL)
	upstream.srv.Close()

	if store.DownloadAndCache("foo", "1.0.0") {
		t.Error("expected failure when upstream is unreachable")
	}
	if store.HasCachedFile("foo", "1.0.0") {
		t.Error("no file must exist after a failed fill")
	}
}

func TestDownloadAndCacheRepairsCorruptFile(t *testing.T) {
	upstream := newStubUpstream(t, gzipBytes, http.StatusOK)
	store := newTestStore(t, upstream.srv.URL)

	// Simulate a truncated file left by a crashed prior attempt.
	store.Upload("foo", "1.0.0", bytes.NewReader([]byte("trunc")))

	if !store.DownloadAndCache("foo", "1.0.0") {
		t.Fatal("DownloadAndCache failed")
	}
	if n := upstream.hits.Load(); n != 1 {
		t.Errorf("upstream fetches = %d, want 1", n)
	}
	if !store.HasCachedFile("foo", "1.0.0") {
		t.Error("expected corrupt file to be replaced")
	}
}

func TestCustomPathMapper(t *testing.T) {
	dir := t.TempDir()
	mapper := func(name, version string) string {
		return filepath.Join(name, version+".tar.gz")
	}
	store, err := NewStore(dir, "http://unused", mapper, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.Upload("foo", "1.0.0", bytes.NewReader(gzipBytes)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "foo", "1.0.0.tar.gz")); err != nil {
		t.Errorf("expected file at mapped path: %v", err)
	}
	if !store.HasCachedFile("foo", "1.0.0") {
		t.Error("expected hit through the custom mapper")
	}
}

func TestUpstreamURL(t *testing.T) {
	store := newTestStore(t, "https://pub.example.com")

	got := store.UpstreamURL("foo", "1.0.0")
	want := "https://pub.example.com/packages/foo/versions/1.0.0.tar.gz"
	if got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
}
