package domain

import "fmt"

// PartitionKey identifies one partition of one stream.
type PartitionKey struct {
	Stream    string
	Partition int
}

func (k PartitionKey) String() string { return fmt.Sprintf("%s/%d", k.Stream, k.Partition) }

type ReportStatus int32

const (
	ReportStatusUnknown   ReportStatus = 0
	ReportStatusCompleted ReportStatus = 1
	ReportStatusError     ReportStatus = 2
	ReportStatusStarted   ReportStatus = 3
	ReportStatusStopped   ReportStatus = 4
)

func (s ReportStatus) String() string {
	switch s {
	case ReportStatusCompleted:
		return "COMPLETED"
	case ReportStatusError:
		return "ERROR"
	case ReportStatusStarted:
		return "STARTED"
	case ReportStatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Report is the lifecycle report envelope sent to the controller. Checkpoint,
// VersionState and TransformerChecksum are serialized payloads and are only
// populated on completion reports.
type Report struct {
	Stream              string
	Partition           int
	Status              ReportStatus
	Offset              int64
	ErrorMessage        string
	Checkpoint          []byte
	VersionState        []byte
	TransformerChecksum []byte
}

func (r Report) Key() PartitionKey { return PartitionKey{Stream: r.Stream, Partition: r.Partition} }
