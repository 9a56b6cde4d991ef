package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by service operations called before
	// Initialize.
	ErrNotInitialized = errors.New("catalog not initialized")

	// ErrManifestMissing indicates a snapshot or remote namespace without a
	// manifest object.
	ErrManifestMissing = errors.New("manifest missing")

	// ErrChecksumMismatch indicates a snapshot whose actual checksum does not
	// match the recorded one. Data under a mismatched checksum is untrusted.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrVersionMismatch indicates a manifest written by an incompatible
	// format version.
	ErrVersionMismatch = errors.New("manifest version mismatch")

	// ErrFileCorrupted marks a file that could not be digested (zero bytes,
	// truncated or unreadable).
	ErrFileCorrupted = errors.New("file corrupted")

	// ErrInvalidIdentity indicates a manifest without a usable directory
	// identity, or a remote namespace for an unknown user.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrNetworkTimeout wraps remote operations that timed out.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrInsufficientStorage indicates a failed local write due to lack of
	// space.
	ErrInsufficientStorage = errors.New("insufficient storage")
)

// ShardCorruptedError identifies which shard of a snapshot failed its
// checksum or failed to parse.
type ShardCorruptedError struct {
	Shard int
	Err   error
}

func (e *ShardCorruptedError) Error() string {
	return fmt.Sprintf("shard %x corrupted: %v", e.Shard, e.Err)
}

func (e *ShardCorruptedError) Unwrap() error {
	return e.Err
}
