// Package archive decodes uploaded package archives.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pubvault/pubvault/internal/core/services"
)

// maxEntrySize bounds any single extracted file.
const maxEntrySize = 4 << 20

// Contents holds the files of interest extracted from a published archive.
type Contents struct {
	Pubspec   []byte
	Readme    string
	Changelog string
}

// Read scans a gzip tar stream and extracts the manifest plus optional
// readme and changelog, matched case-insensitively among top-level entries;
// files in subdirectories are ignored. Exactly one pubspec.yaml is required.
func Read(r io.Reader) (*Contents, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: archive is not gzip: %v", services.ErrValidation, err)
	}
	defer gz.Close()

	var c Contents
	seenPubspec := false

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed tar archive: %v", services.ErrValidation, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if strings.Contains(name, "/") {
			// Only top-level files carry package metadata.
			continue
		}

		switch strings.ToLower(name) {
		case "pubspec.yaml":
			if seenPubspec {
				return nil, fmt.Errorf("%w: archive contains more than one pubspec.yaml", services.ErrValidation)
			}
			data, err := readEntry(tr)
			if err != nil {
				return nil, err
			}
			c.Pubspec = data
			seenPubspec = true
		case "readme.md":
			data, err := readEntry(tr)
			if err != nil {
				return nil, err
			}
			c.Readme = string(data)
		case "changelog.md":
			data, err := readEntry(tr)
			if err != nil {
				return nil, err
			}
			c.Changelog = string(data)
		}
	}

	if !seenPubspec {
		return nil, fmt.Errorf("%w: archive has no pubspec.yaml", services.ErrValidation)
	}
	return &c, nil
}

func readEntry(tr *tar.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive entry: %v", services.ErrValidation, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("%w: archive entry exceeds %d bytes", services.ErrValidation, maxEntrySize)
	}
	return data, nil
}
