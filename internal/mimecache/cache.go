package mimecache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Cache stores raw MIME blobs on disk, one file per event, so a message can
// still be resubmitted after the provider's 3-day storage window closes.
type Cache struct {
	dir string
}

func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(eventID uuid.UUID) string {
	return filepath.Join(c.dir, eventID.String()+".mime")
}

// Store writes the blob for an event. Idempotent: an existing non-empty
// blob is left untouched.
func (c *Cache) Store(eventID uuid.UUID, content []byte) error {
	path := c.path(eventID)

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o640); err != nil {
		return fmt.Errorf("failed to write cached MIME: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize cached MIME: %w", err)
	}
	return nil
}

// Get returns the cached blob for an event, or an error if none exists.
func (c *Cache) Get(eventID uuid.UUID) ([]byte, error) {
	content, err := os.ReadFile(c.path(eventID))
	if err != nil {
		return nil, fmt.Errorf("no cached MIME for event %s: %w", eventID, err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("cached MIME for event %s is empty", eventID)
	}
	return content, nil
}

// Has reports whether a non-empty blob exists for the event.
func (c *Cache) Has(eventID uuid.UUID) bool {
	info, err := os.Stat(c.path(eventID))
	return err == nil && info.Size() > 0
}

// Remove deletes the blob for an event. Missing files are not an error.
func (c *Cache) Remove(eventID uuid.UUID) error {
	err := os.Remove(c.path(eventID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cached MIME: %w", err)
	}
	return nil
}

// RemoveOlderThan deletes blobs last modified before cutoff. Called ahead
// of event-row truncation so no blob outlives the row that references it.
func (c *Cache) RemoveOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".mime" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
