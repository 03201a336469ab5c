// Package snapshot describes the replayable state of a partition. The same
// metadata is sent in completion reports and shipped with blob transfers so a
// peer can bootstrap a partition without replaying the whole log.
package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"isolator/internal/state"
)

// ErrMissingVersionState is returned by Build when the stream version is
// expected to have state but none has been stored.
var ErrMissingVersionState = errors.New("version state does not exist")

// Metadata is a partition snapshot. Optional payloads may be nil; callers
// check the Has* accessors before using them.
type Metadata struct {
	StreamName          string `json:"topicName"`
	PartitionID         int    `json:"partitionId"`
	Checkpoint          []byte `json:"offsetRecord"`
	VersionState        []byte `json:"storeVersionState"`
	TransformerChecksum []byte `json:"transformerChecksum"`
}

// New builds metadata from every field.
func New(streamName string, partitionID int, checkpoint, versionState, transformerChecksum []byte) *Metadata {
	return &Metadata{
		StreamName:          streamName,
		PartitionID:         partitionID,
		Checkpoint:          checkpoint,
		VersionState:        versionState,
		TransformerChecksum: transformerChecksum,
	}
}

func (m *Metadata) SetStreamName(name string) { m.StreamName = name }
func (m *Metadata) SetPartitionID(id int) { m.PartitionID = id }
func (m *Metadata) SetCheckpoint(b []byte) { m.Checkpoint = b }
func (m *Metadata) SetVersionState(b []byte) { m.VersionState = b }
func (m *Metadata) SetTransformerChecksum(b []byte) { m.TransformerChecksum = b }
func (m *Metadata) HasCheckpoint() bool { return len(m.Checkpoint) > 0 }
func (m *Metadata) HasVersionState() bool { return len(m.VersionState) > 0 }
func (m *Metadata) HasTransformerChecksum() bool { return len(m.TransformerChecksum) > 0 }

func (m *Metadata) String() string {
	return fmt.Sprintf("PartitionSnapshotMetadata{streamName=%s, partitionId=%d, checkpoint=%s, versionState=%s, transformerChecksum=%s}",
		m.StreamName, m.PartitionID, bytesString(m.Checkpoint), bytesString(m.VersionState), bytesString(m.TransformerChecksum))
}

const maxHexInString = 32

func bytesString(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	h := hex.EncodeToString(b)
	if len(h) > maxHexInString {
		h = h[:maxHexInString] + "..."
	}
	return fmt.Sprintf("[%d bytes %s]", len(b), h)
}

func Marshal(m *Metadata) ([]byte, error) { return json.Marshal(m) }

func Unmarshal(b []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	if strings.TrimSpace(m.StreamName) == "" {
		return nil, fmt.Errorf("decode snapshot metadata: topicName is required")
	}
	return &m, nil
}

// Reader is the slice of the metadata-persistence layer a snapshot is
// assembled from.
type Reader interface {
	LastCheckpoint(ctx context.Context, stream string, partition int) (state.Checkpoint, error)
	VersionState(ctx context.Context, stream string) (state.VersionState, bool, error)
	TransformerChecksum(ctx context.Context, stream string, partition int) ([]byte, bool, error)
}

// Build assembles the latest snapshot of a partition. A missing checkpoint is
// returned as the reader's error; a missing version state fails with
// ErrMissingVersionState when requireVersionState is set.
func Build(ctx context.Context, r Reader, stream string, partition int, requireVersionState bool) (*Metadata, error) {
	m := &Metadata{}
	m.SetStreamName(stream)
	m.SetPartitionID(partition)

	cp, err := r.LastCheckpoint(ctx, stream, partition)
	if err != nil {
		return nil, err
	}
	cpBytes, err := state.EncodeCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	m.SetCheckpoint(cpBytes)

	vs, ok, err := r.VersionState(ctx, stream)
	if err != nil {
		return nil, err
	}
	if ok {
		vsBytes, err := state.EncodeVersionState(vs)
		if err != nil {
			return nil, err
		}
		m.SetVersionState(vsBytes)
	} else if requireVersionState {
		return nil, fmt.Errorf("%w for version %s", ErrMissingVersionState, stream)
	}

	checksum, ok, err := r.TransformerChecksum(ctx, stream, partition)
	if err != nil {
		return nil, err
	}
	if ok {
		m.SetTransformerChecksum(checksum)
	}
	return m, nil
}
