package catalog

import (
	"bytes"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// ShardCount is the fixed number of partitions of the entry set.
const ShardCount = 16

// ShardIndex returns the shard an entry belongs to, selected by the first hex
// digit of its content hash. Assumes the digest distributes near-uniformly
// over hex digits, which holds for MD5.
func ShardIndex(contentHash string) int {
	if contentHash == "" {
		return 0
	}
	v, err := strconv.ParseUint(contentHash[:1], 16, 8)
	if err != nil {
		return 0
	}
	return int(v)
}

// ShardKey returns the single hex digit naming shard i ("0".."f").
func ShardKey(i int) string {
	return fmt.Sprintf("%x", i)
}

// ShardFilename returns the on-disk/remote object name for shard i.
func ShardFilename(i int) string {
	return fmt.Sprintf("shard-%x.csv", i)
}

// Shard rows are CSV (RFC 4180): fields containing the delimiter or a quote
// are quoted, quotes escape by doubling. One row per entry:
//
//	contentHash,filename,byteSize,captureUnix,modifiedUnix,width,height,platformAssetID
//
// width/height/platformAssetID are empty when unknown.
const shardFieldCount = 8

// EncodeShard serializes entries into shard row format, ordered by content
// hash then fast key so encoding is deterministic.
func EncodeShard(entries []*Entry) ([]byte, error) {
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ContentHash != sorted[j].ContentHash {
			return sorted[i].ContentHash < sorted[j].ContentHash
		}
		return sorted[i].FastKey < sorted[j].FastKey
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, e := range sorted {
		width, height := "", ""
		if e.Width > 0 {
			width = strconv.Itoa(e.Width)
		}
		if e.Height > 0 {
			height = strconv.Itoa(e.Height)
		}
		row := []string{
			e.ContentHash,
			e.Filename,
			strconv.FormatInt(e.ByteSize, 10),
			strconv.FormatInt(e.CaptureDate.Unix(), 10),
			strconv.FormatInt(e.ModifiedDate.Unix(), 10),
			width,
			height,
			e.PlatformAssetID,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode shard row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode shard: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeShard parses shard row format back into entries. Fast keys are
// rederived from filename and modified time.
func DecodeShard(data []byte) ([]*Entry, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = shardFieldCount

	var entries []*Entry
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode shard row: %w", err)
		}

		byteSize, err := strconv.ParseInt(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode shard: byte size %q: %w", row[2], err)
		}
		captureUnix, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode shard: capture timestamp %q: %w", row[3], err)
		}
		modifiedUnix, err := strconv.ParseInt(row[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode shard: modified timestamp %q: %w", row[4], err)
		}

		width, height := 0, 0
		if row[5] != "" {
			if width, err = strconv.Atoi(row[5]); err != nil {
				return nil, fmt.Errorf("decode shard: width %q: %w", row[5], err)
			}
		}
		if row[6] != "" {
			if height, err = strconv.Atoi(row[6]); err != nil {
				return nil, fmt.Errorf("decode shard: height %q: %w", row[6], err)
			}
		}

		modified := time.Unix(modifiedUnix, 0).UTC()
		entries = append(entries, &Entry{
			FastKey:         NewFastKey(row[1], modified),
			ContentHash:     row[0],
			Filename:        row[1],
			ByteSize:        byteSize,
			CaptureDate:     time.Unix(captureUnix, 0).UTC(),
			ModifiedDate:    modified,
			Width:           width,
			Height:          height,
			PlatformAssetID: row[7],
		})
	}
	return entries, nil
}

// Checksum returns the lowercase hex MD5 of raw bytes. Shard and manifest
// checksums both use it.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// PartitionEntries splits entries into their shards.
func PartitionEntries(entries []*Entry) [ShardCount][]*Entry {
	var shards [ShardCount][]*Entry
	for _, e := range entries {
		i := ShardIndex(e.ContentHash)
		shards[i] = append(shards[i], e)
	}
	return shards
}
