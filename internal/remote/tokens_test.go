package remote

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	cache := LoadTokenCache(path)
	_, ok := cache.Get("catalogs/alice/manifest.json")
	assert.False(t, ok)

	cache.Set("catalogs/alice/manifest.json", "etag-1")
	require.NoError(t, cache.Save())

	reloaded := LoadTokenCache(path)
	token, ok := reloaded.Get("catalogs/alice/manifest.json")
	require.True(t, ok)
	assert.Equal(t, "etag-1", token)
	assert.WithinDuration(t, time.Now(), reloaded.LastSync("catalogs/alice/manifest.json"), time.Minute)
}

func TestTokenCacheUnparsableStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	cache := LoadTokenCache(path)
	_, ok := cache.Get("anything")
	assert.False(t, ok)
}

func TestTokenCacheLastSyncZeroWhenUnknown(t *testing.T) {
	cache := LoadTokenCache(filepath.Join(t.TempDir(), "tokens.json"))
	assert.True(t, cache.LastSync("unknown").IsZero())
}
