package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// gzip member header magic bytes.
const (
	gzipMagic1 = 0x1F
	gzipMagic2 = 0x8B
)

// ValidGzipHeader reports whether b is non-empty and starts with the gzip
// magic marker. A cheap, format-appropriate check that catches zero-byte and
// truncated archives without an upstream digest.
func ValidGzipHeader(b []byte) bool {
	return len(b) >= 2 && b[0] == gzipMagic1 && b[1] == gzipMagic2
}

// CheckGzipFile reports whether the file at path exists, is non-empty, and
// begins with the gzip magic marker.
func CheckGzipFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var hdr [2]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return false
	}
	return ValidGzipHeader(hdr[:])
}

// KeyDigest returns the hex-encoded SHA256 of key, used to derive safe
// filenames from arbitrary cache keys.
func KeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
