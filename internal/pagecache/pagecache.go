// Package pagecache keeps raw upstream pages on disk for debugging and
// replay.
package pagecache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stampFormat sorts chronologically as a string, across processes too.
const stampFormat = "2006-01-02T15-04-05.000000000"

// Kind identifies the endpoint a page came from.
type Kind string

const (
	KindSearch Kind = "search"
	KindThread Kind = "thread"
)

// Cache writes pages under <dir>/pages/<kind>/.
type Cache struct {
	dir string

	mu  sync.Mutex
	seq int
}

// New creates a Cache rooted at dir.
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) kindDir(kind Kind) string {
	return filepath.Join(c.dir, "pages", string(kind))
}

// generateFilename creates a timestamped filename. The sequence number keeps
// names unique when the clock does not advance between two saves.
func (c *Cache) generateFilename(label string) string {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	name := fmt.Sprintf("%s_%06d", time.Now().UTC().Format(stampFormat), seq)
	if label != "" {
		name += "_" + label
	}
	return name + ".json"
}

// Save writes page as indented JSON and returns the file path. label is
// appended to the file name, e.g. the tweet id of a thread page.
func (c *Cache) Save(kind Kind, label string, page any) (string, error) {
	dir := c.kindDir(kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create page cache dir: %w", err)
	}

	path := filepath.Join(dir, c.generateFilename(label))

	jsonData, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal page: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return "", fmt.Errorf("failed to write page: %w", err)
	}

	return path, nil
}

// Load reads JSON data from a specific file path. Numbers decode as
// json.Number, as they do for pages read off the wire.
func Load[T any](path string) (T, error) {
	var data T

	jsonData, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("failed to read cached page: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return data, fmt.Errorf("failed to unmarshal cached page %s: %w", path, err)
	}

	return data, nil
}

// List returns the paths of every cached page of a kind, oldest first. A
// kind with no pages yields an empty list.
func (c *Cache) List(kind Kind) ([]string, error) {
	dir := c.kindDir(kind)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// os.ReadDir sorts by name, which is chronological for our names
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}
