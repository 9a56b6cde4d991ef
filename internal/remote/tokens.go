package remote

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/photolala/catalog/internal/utils"
)

// TokenCache persists the last-seen change token per remote key. It is a
// non-authoritative optimization: losing it costs redundant transfer, not
// correctness.
type TokenCache struct {
	path string

	mu      sync.Mutex
	entries map[string]tokenEntry
}

type tokenEntry struct {
	Token    string    `json:"token"`
	LastSync time.Time `json:"last_sync"`
}

// LoadTokenCache reads the cache at path. A missing or unparsable file is an
// empty cache, never an error.
func LoadTokenCache(path string) *TokenCache {
	cache := &TokenCache{
		path:    path,
		entries: make(map[string]tokenEntry),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cache
	}
	if err := json.Unmarshal(data, &cache.entries); err != nil {
		// stale format: start over
		cache.entries = make(map[string]tokenEntry)
	}
	return cache
}

// Get returns the recorded token for a key and whether one exists.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return e.Token, true
}

// Set records a token for a key, stamped with the current time.
func (c *TokenCache) Set(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tokenEntry{Token: token, LastSync: time.Now().UTC()}
}

// LastSync returns when a key was last synced, or the zero time.
func (c *TokenCache) LastSync(key string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].LastSync
}

// Save persists the cache atomically.
func (c *TokenCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token cache: %w", err)
	}
	if err := utils.WriteFileAtomic(c.path, data, 0o644); err != nil {
		return fmt.Errorf("save token cache: %w", err)
	}
	return nil
}
