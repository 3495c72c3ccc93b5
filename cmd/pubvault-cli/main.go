package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultServer = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "publish":
		cmdPublish(args)
	case "get":
		cmdGet(args)
	case "pull":
		cmdPull(args)
	case "list":
		cmdList(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Pubvault CLI

Usage:
  pubvault publish <archive.tar.gz> [options]
  pubvault get <package> [options]
  pubvault pull <package> <version> [options]
  pubvault list [options]

Options:
  --server <url>    Server URL (default: http://localhost:8080)
  --token <token>   Uploader token (for publish)
  --output <file>   Output file path (for pull)
  --q <keyword>     Name filter (for list)`)
}

// parseFlags extracts --key value pairs from args.
func parseFlags(args []string) (positional []string, flags map[string]string) {
	flags = make(map[string]string)
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") && i+1 < len(args) {
			flags[strings.TrimPrefix(args[i], "--")] = args[i+1]
			i++
		} else {
			positional = append(positional, args[i])
		}
	}
	return
}

func getFlag(flags map[string]string, key, def string) string {
	if v, ok := flags[key]; ok {
		return v
	}
	return def
}

func newClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func cmdPublish(args []string) {
	positional, flags := parseFlags(args)
	if len(positional) != 1 {
		fail("usage: pubvault publish <archive.tar.gz> [options]")
	}
	server := getFlag(flags, "server", defaultServer)
	token := getFlag(flags, "token", "")
	if token == "" {
		fail("publish requires --token")
	}

	f, err := os.Open(positional[0])
	if err != nil {
		fail("opening archive: %v", err)
	}
	defer f.Close()

	req, err := http.NewRequest(http.MethodPost, server+"/api/packages/versions/new", f)
	if err != nil {
		fail("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := newClient().Do(req)
	if err != nil {
		fail("publishing: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		fail("publish failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func cmdGet(args []string) {
	positional, flags := parseFlags(args)
	if len(positional) != 1 {
		fail("usage: pubvault get <package> [options]")
	}
	server := getFlag(flags, "server", defaultServer)

	resp, err := newClient().Get(server + "/api/packages/" + url.PathEscape(positional[0]))
	if err != nil {
		fail("fetching metadata: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fail("get failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(body))
}

func cmdPull(args []string) {
	positional, flags := parseFlags(args)
	if len(positional) != 2 {
		fail("usage: pubvault pull <package> <version> [options]")
	}
	server := getFlag(flags, "server", defaultServer)
	name, version := positional[0], positional[1]
	output := getFlag(flags, "output", fmt.Sprintf("%s-%s.tar.gz", name, version))

	tarballURL := fmt.Sprintf("%s/packages/%s/versions/%s.tar.gz",
		server, url.PathEscape(name), url.PathEscape(version))
	resp, err := newClient().Get(tarballURL)
	if err != nil {
		fail("downloading: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fail("pull failed (%d)", resp.StatusCode)
	}

	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fail("creating output directory: %v", err)
		}
	}
	out, err := os.Create(output)
	if err != nil {
		fail("creating output file: %v", err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		fail("writing output: %v", err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", output, n)
}

func cmdList(args []string) {
	_, flags := parseFlags(args)
	server := getFlag(flags, "server", defaultServer)

	query := url.Values{}
	for _, key := range []string{"q", "size", "page", "sort", "uploader", "dependency"} {
		if v := getFlag(flags, key, ""); v != "" {
			query.Set(key, v)
		}
	}

	listURL := server + "/api/packages"
	if len(query) > 0 {
		listURL += "?" + query.Encode()
	}
	resp, err := newClient().Get(listURL)
	if err != nil {
		fail("listing packages: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fail("list failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list struct {
		Count    int `json:"count"`
		Packages []struct {
			Name      string `json:"name"`
			Downloads int64  `json:"downloads"`
			Versions  []struct {
				Version string `json:"version"`
			} `json:"versions"`
		} `json:"packages"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		fail("decoding list: %v", err)
	}

	fmt.Printf("%d package(s)\n", list.Count)
	for _, p := range list.Packages {
		latest := ""
		if len(p.Versions) > 0 {
			latest = p.Versions[len(p.Versions)-1].Version
		}
		fmt.Printf("  %s %s (%d downloads)\n", p.Name, latest, p.Downloads)
	}
}
