// Package upstream talks to the public registry this server mirrors.
package upstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 2 * time.Minute

// PackageDoc is the upstream metadata document for one package.
type PackageDoc struct {
	Name     string         `json:"name"`
	Latest   map[string]any `json:"latest"`
	Versions []VersionDoc   `json:"versions"`
}

type VersionDoc struct {
	Version string         `json:"version"`
	Pubspec map[string]any `json:"pubspec"`
}

// Client fetches package metadata from the upstream registry API.
type Client struct {
	base   string
	client *http.Client
}

// NewClient creates a Client for the given upstream base URL.
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

// FetchPackage retrieves the metadata document for name. Returns the raw
// response body alongside the decoded document so callers can serve it
// verbatim.
func (c *Client) FetchPackage(name string) (*PackageDoc, []byte, error) {
	fetchURL := c.base + "/api/packages/" + url.PathEscape(name)
	resp, err := c.client.Get(fetchURL)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching upstream metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("upstream returned status %d for %s", resp.StatusCode, name)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading upstream metadata: %w", err)
	}

	var doc PackageDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding upstream metadata: %w", err)
	}
	return &doc, body, nil
}
