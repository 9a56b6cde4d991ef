package catalog

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ManifestVersion is the current snapshot format version.
const ManifestVersion = 1

// ManifestFilename is the manifest object name inside a snapshot directory
// and in the remote catalog namespace.
const ManifestFilename = "manifest.json"

// Manifest describes one complete snapshot: which shard checksums constitute
// the current valid catalog state. A shard whose actual checksum differs from
// the recorded one is untrusted.
type Manifest struct {
	Version        int               `json:"version"`
	DirectoryUUID  string            `json:"directory_uuid"`
	Created        time.Time         `json:"created"`
	Modified       time.Time         `json:"modified"`
	ShardChecksums map[string]string `json:"shard_checksums"`
	PhotoCount     int               `json:"photo_count"`
}

// NewManifest builds a manifest over encoded shard blobs. Empty shards are
// omitted from the checksum map.
func NewManifest(directoryUUID string, shardData [ShardCount][]byte, photoCount int, now time.Time) *Manifest {
	checksums := make(map[string]string)
	for i, data := range shardData {
		if len(data) == 0 {
			continue
		}
		checksums[ShardKey(i)] = Checksum(data)
	}
	return &Manifest{
		Version:        ManifestVersion,
		DirectoryUUID:  directoryUUID,
		Created:        now,
		Modified:       now,
		ShardChecksums: checksums,
		PhotoCount:     photoCount,
	}
}

// Encode serializes the manifest to its canonical JSON form. Map keys are
// emitted sorted, so encoding is deterministic and the manifest checksum is
// stable.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses and validates a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, m.Version, ManifestVersion)
	}
	if m.DirectoryUUID == "" {
		return nil, fmt.Errorf("%w: manifest has no directory uuid", ErrInvalidIdentity)
	}
	return &m, nil
}

// ShardChecksum returns the recorded checksum for shard i, or "" when the
// shard is empty/absent.
func (m *Manifest) ShardChecksum(i int) string {
	return m.ShardChecksums[ShardKey(i)]
}
