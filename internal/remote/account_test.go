package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/photolala/catalog/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteAccountRemovesOnlyThatUser(t *testing.T) {
	store := newFakeStore()
	store.put("photos/alice/0aaa.jpg", []byte("x"))
	store.put("thumbnails/alice/0aaa.jpg", []byte("x"))
	store.put("catalogs/alice/manifest.json", []byte("x"))
	store.put("users/alice/index.json", []byte("x"))
	store.put("photos/bob/1bbb.jpg", []byte("x"))
	store.put("catalogs/bob/manifest.json", []byte("x"))

	deleted, err := DeleteAccount(context.Background(), store, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	remaining, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"photos/bob/1bbb.jpg", "catalogs/bob/manifest.json"}, remaining)
}

func TestDeleteAccountEmptyAccount(t *testing.T) {
	deleted, err := DeleteAccount(context.Background(), newFakeStore(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestDeleteAccountRejectsEmptyUser(t *testing.T) {
	_, err := DeleteAccount(context.Background(), newFakeStore(), "")
	assert.True(t, errors.Is(err, catalog.ErrInvalidIdentity))
}
