package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"testing"

	"github.com/pubvault/pubvault/internal/core/services"
)

// buildArchive packs the given files into an in-memory tar.gz.
func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("writing tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buf.Bytes()
}

func TestReadArchive(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"pubspec.yaml": "name: foo\nversion: 1.0.0\n",
		"README.md":    "hello",
		"CHANGELOG.md": "## 1.0.0",
		"lib/foo.code": "content",
	})

	c, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(c.Pubspec) != "name: foo\nversion: 1.0.0\n" {
		t.Errorf("pubspec = %q", c.Pubspec)
	}
	if c.Readme != "hello" {
		t.Errorf("readme = %q", c.Readme)
	}
	if c.Changelog != "## 1.0.0" {
		t.Errorf("changelog = %q", c.Changelog)
	}
}

func TestReadArchiveCaseInsensitive(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"Pubspec.YAML": "name: foo\nversion: 1.0.0\n",
		"readme.MD":    "hi",
	})

	c, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(c.Pubspec) == 0 {
		t.Error("expected pubspec to be matched case-insensitively")
	}
	if c.Readme != "hi" {
		t.Errorf("readme = %q", c.Readme)
	}
}

func TestReadArchiveMissingPubspec(t *testing.T) {
	data := buildArchive(t, map[string]string{"README.md": "hello"})

	_, err := Read(bytes.NewReader(data))
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestReadArchiveDuplicatePubspec(t *testing.T) {
	// Two top-level entries with the same lowercased name.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range []string{"pubspec.yaml", "Pubspec.yaml"} {
		body := "name: foo\nversion: 1.0.0\n"
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))})
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()

	_, err := Read(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestReadArchiveIgnoresNestedFiles(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"pubspec.yaml":      "name: foo\nversion: 1.0.0\n",
		"sub/pubspec.yaml":  "name: nested\nversion: 9.9.9\n",
		"example/README.md": "nested readme",
	})

	c, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(c.Pubspec) != "name: foo\nversion: 1.0.0\n" {
		t.Errorf("pubspec = %q, want the top-level one", c.Pubspec)
	}
	if c.Readme != "" {
		t.Errorf("readme = %q, want nested readme ignored", c.Readme)
	}
}

func TestReadArchiveOnlyNestedPubspec(t *testing.T) {
	data := buildArchive(t, map[string]string{"sub/pubspec.yaml": "name: foo\nversion: 1.0.0\n"})

	_, err := Read(bytes.NewReader(data))
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestReadArchiveNotGzip(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("plain text")))
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
