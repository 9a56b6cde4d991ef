package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/photolala/catalog/internal/catalog"
)

// accountPrefixes are every remote namespace a user's data lives under.
var accountPrefixes = []string{
	"photos/",
	"thumbnails/",
	"catalogs/",
	"users/",
}

// DeleteAccount removes every remote object belonging to a user. Returns the
// number of objects deleted.
func DeleteAccount(ctx context.Context, store ObjectStore, user string) (int, error) {
	if user == "" {
		return 0, fmt.Errorf("%w: empty user", catalog.ErrInvalidIdentity)
	}

	deleted := 0
	for _, prefix := range accountPrefixes {
		keys, err := store.List(ctx, prefix+user+"/")
		if err != nil {
			return deleted, wrapTransferErr("list "+prefix, err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := store.Delete(ctx, keys); err != nil {
			return deleted, wrapTransferErr("delete "+prefix, err)
		}
		deleted += len(keys)
		slog.Info("account objects deleted", "user", user, "prefix", prefix, "count", len(keys))
	}
	return deleted, nil
}
