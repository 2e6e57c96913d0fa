// Package storage caches fetched attachment bytes on disk so repeated
// attachment reads do not hit the mail backend again. A yaml metadata index
// tracks sizes and access times; the cache is size-bounded with
// least-recently-accessed eviction.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AttachmentMetadata is the on-disk index of cached attachments.
type AttachmentMetadata struct {
	Version   int               `yaml:"cache_version"`
	TotalSize int64             `yaml:"total_size_bytes"`
	Entries   []AttachmentEntry `yaml:"entries"`
}

// AttachmentEntry records one cached attachment.
type AttachmentEntry struct {
	Key         string    `yaml:"key"`
	Filename    string    `yaml:"filename"`
	ContentType string    `yaml:"content_type"`
	Size        int64     `yaml:"size_bytes"`
	CachedAt    time.Time `yaml:"cached_at"`
	AccessedAt  time.Time `yaml:"accessed_at"`
	FilePath    string    `yaml:"file_path"`
}

// AttachmentCache stores attachment bytes under a generated file name and
// keeps the index in metadata.yaml. Keys combine account, backend message id
// and attachment filename.
type AttachmentCache struct {
	mu           sync.Mutex
	rootDir      string
	metadataFile string
	maxSize      int64
	maxAge       time.Duration
}

// Key builds the cache key for one attachment.
func Key(accountID, messageID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", accountID, messageID, filename)
}

// NewAttachmentCache creates the cache rooted at rootDir, creating the
// directory if needed.
func NewAttachmentCache(rootDir string, maxSize int64) (*AttachmentCache, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &AttachmentCache{
		rootDir:      rootDir,
		metadataFile: filepath.Join(rootDir, "metadata.yaml"),
		maxSize:      maxSize,
		maxAge:       24 * time.Hour,
	}, nil
}

// Put stores attachment bytes, replacing any previous entry for the key,
// and evicts old entries if the cache grew past its size bound.
func (c *AttachmentCache) Put(key, filename, contentType string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metadata, err := c.loadMetadata()
	if err != nil {
		return err
	}

	for i, entry := range metadata.Entries {
		if entry.Key == key {
			os.Remove(entry.FilePath)
			metadata.TotalSize -= entry.Size
			metadata.Entries = append(metadata.Entries[:i], metadata.Entries[i+1:]...)
			break
		}
	}

	filePath := filepath.Join(c.rootDir, uuid.NewString())
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}

	now := time.Now()
	metadata.Entries = append(metadata.Entries, AttachmentEntry{
		Key:         key,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		CachedAt:    now,
		AccessedAt:  now,
		FilePath:    filePath,
	})
	metadata.TotalSize += int64(len(content))

	if metadata.TotalSize > c.maxSize {
		c.evict(metadata)
	}
	return c.saveMetadata(metadata)
}

// Get returns the cached bytes for key, or found=false on a miss. A hit
// refreshes the entry's access time.
func (c *AttachmentCache) Get(key string) (content []byte, found bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metadata, err := c.loadMetadata()
	if err != nil {
		return nil, false, err
	}

	for i, entry := range metadata.Entries {
		if entry.Key != key {
			continue
		}
		content, err := os.ReadFile(entry.FilePath)
		if err != nil {
			// File vanished under us; drop the stale entry.
			metadata.TotalSize -= entry.Size
			metadata.Entries = append(metadata.Entries[:i], metadata.Entries[i+1:]...)
			c.saveMetadata(metadata)
			return nil, false, nil
		}
		metadata.Entries[i].AccessedAt = time.Now()
		if err := c.saveMetadata(metadata); err != nil {
			return nil, false, err
		}
		return content, true, nil
	}
	return nil, false, nil
}

// Clear removes every cached attachment.
func (c *AttachmentCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metadata, err := c.loadMetadata()
	if err != nil {
		return err
	}
	for _, entry := range metadata.Entries {
		os.Remove(entry.FilePath)
	}
	metadata.Entries = []AttachmentEntry{}
	metadata.TotalSize = 0
	return c.saveMetadata(metadata)
}

// Info reports cache statistics.
func (c *AttachmentCache) Info() (CacheInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metadata, err := c.loadMetadata()
	if err != nil {
		return CacheInfo{}, err
	}

	info := CacheInfo{
		TotalSize:  metadata.TotalSize,
		MaxSize:    c.maxSize,
		EntryCount: len(metadata.Entries),
	}
	for _, entry := range metadata.Entries {
		if info.OldestEntry.IsZero() || entry.CachedAt.Before(info.OldestEntry) {
			info.OldestEntry = entry.CachedAt
		}
		if entry.CachedAt.After(info.NewestEntry) {
			info.NewestEntry = entry.CachedAt
		}
	}
	return info, nil
}

// CacheInfo summarizes cache state.
type CacheInfo struct {
	TotalSize   int64     `json:"total_size_bytes"`
	MaxSize     int64     `json:"max_size_bytes"`
	EntryCount  int       `json:"entry_count"`
	OldestEntry time.Time `json:"oldest_entry"`
	NewestEntry time.Time `json:"newest_entry"`
}

func (c *AttachmentCache) loadMetadata() (*AttachmentMetadata, error) {
	data, err := os.ReadFile(c.metadataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return &AttachmentMetadata{Version: 1, Entries: []AttachmentEntry{}}, nil
		}
		return nil, fmt.Errorf("failed to read cache metadata: %w", err)
	}

	var metadata AttachmentMetadata
	if err := yaml.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse cache metadata: %w", err)
	}
	return &metadata, nil
}

func (c *AttachmentCache) saveMetadata(metadata *AttachmentMetadata) error {
	data, err := yaml.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(c.metadataFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	return nil
}

// evict drops entries older than maxAge first, then least-recently-accessed
// entries until the cache fits.
func (c *AttachmentCache) evict(metadata *AttachmentMetadata) {
	now := time.Now()
	var kept []AttachmentEntry
	var totalSize int64

	for _, entry := range metadata.Entries {
		if now.Sub(entry.CachedAt) < c.maxAge {
			kept = append(kept, entry)
			totalSize += entry.Size
		} else {
			os.Remove(entry.FilePath)
		}
	}

	if totalSize > c.maxSize {
		sort.Slice(kept, func(i, j int) bool {
			return kept[i].AccessedAt.Before(kept[j].AccessedAt)
		})
		for totalSize > c.maxSize && len(kept) > 0 {
			entry := kept[0]
			kept = kept[1:]
			totalSize -= entry.Size
			os.Remove(entry.FilePath)
		}
	}

	metadata.Entries = kept
	metadata.TotalSize = totalSize
}
