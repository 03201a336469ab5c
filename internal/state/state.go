// Package state defines the persisted per-partition and per-version ingestion
// state and its serialized form.
package state

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Checkpoint is the last durably applied position of a partition.
type Checkpoint struct {
	Offset          int64 `msgpack:"offset"`
	UpstreamOffset  int64 `msgpack:"upstream_offset"`
	RecordsConsumed int64 `msgpack:"records_consumed"`
	EndOfPush       bool  `msgpack:"end_of_push"`
	UpdatedAtUnixMs int64 `msgpack:"updated_at_unix_ms"`
}

// NewCheckpoint returns a checkpoint that has not consumed anything yet.
func NewCheckpoint() Checkpoint {
	return Checkpoint{Offset: -1, UpstreamOffset: -1}
}

// Advance moves the checkpoint to offset.
func (c *Checkpoint) Advance(offset int64, now time.Time) {
	c.Offset = offset
	c.RecordsConsumed++
	c.UpdatedAtUnixMs = now.UnixMilli()
}

// NextOffset is the first offset that has not been applied.
func (c Checkpoint) NextOffset() int64 { return c.Offset + 1 }

func (c Checkpoint) String() string {
	return fmt.Sprintf("Checkpoint{offset=%d, upstreamOffset=%d, records=%d, endOfPush=%t}", c.Offset, c.UpstreamOffset, c.RecordsConsumed, c.EndOfPush)
}

// VersionState is shared by every partition of one stream version.
type VersionState struct {
	Sorted            bool   `msgpack:"sorted"`
	Chunked           bool   `msgpack:"chunked"`
	Compression       string `msgpack:"compression"`
	StartOfPushUnixMs int64  `msgpack:"start_of_push_unix_ms"`
	PartitionCount    int    `msgpack:"partition_count"`
}

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

func EncodeCheckpoint(c Checkpoint) ([]byte, error) {
	b, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return b, nil
}

func DecodeCheckpoint(b []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, nil
}

func EncodeVersionState(v VersionState) ([]byte, error) {
	b, err := msgpack.Marshal(&v)
	if err != nil {
		return nil, fmt.Errorf("encode version state: %w", err)
	}
	return b, nil
}

func DecodeVersionState(b []byte) (VersionState, error) {
	var v VersionState
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return VersionState{}, fmt.Errorf("decode version state: %w", err)
	}
	return v, nil
}

// Checksum is a rolling checksum over transformed values. Its serialized form
// carries the running hash state so ingestion can resume it after restart.
type Checksum struct {
	d *xxhash.Digest
}

func NewChecksum() *Checksum { return &Checksum{d: xxhash.New()} }

// ResumeChecksum restores a checksum from MarshalBinary output.
func ResumeChecksum(b []byte) (*Checksum, error) {
	d := xxhash.New()
	if err := d.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("resume transformer checksum: %w", err)
	}
	return &Checksum{d: d}, nil
}

func (c *Checksum) Update(key, value []byte) {
	_, _ = c.d.Write(key)
	_, _ = c.d.Write(value)
}

func (c *Checksum) Sum64() uint64 { return c.d.Sum64() }

func (c *Checksum) MarshalBinary() ([]byte, error) { return c.d.MarshalBinary() }
