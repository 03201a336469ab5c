// Package control is the wire protocol between the ingestion sidecar and its
// controller: length-prefixed frames carrying protobuf messages.
package control

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"isolator/internal/domain"
)

type Action int32

const (
	ActionUnknown  Action = 0
	ActionStart    Action = 1
	ActionStop     Action = 2
	ActionReport   Action = 3
	ActionMetadata Action = 4
	ActionHealth   Action = 5
	ActionShutdown Action = 6
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "START"
	case ActionStop:
		return "STOP"
	case ActionReport:
		return "REPORT"
	case ActionMetadata:
		return "METADATA"
	case ActionHealth:
		return "HEALTH"
	case ActionShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseAction maps an action name to its value.
func ParseAction(s string) (Action, error) {
	for a := ActionStart; a <= ActionShutdown; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return ActionUnknown, fmt.Errorf("unknown action %q", s)
}

type StatusCode int32

const (
	StatusOK            StatusCode = 0
	StatusBadRequest    StatusCode = 1
	StatusNotReady      StatusCode = 2
	StatusNotSubscribed StatusCode = 3
	StatusOverloaded    StatusCode = 4
	StatusError         StatusCode = 5
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusNotReady:
		return "NOT_READY"
	case StatusNotSubscribed:
		return "NOT_SUBSCRIBED"
	case StatusOverloaded:
		return "OVERLOADED"
	default:
		return "ERROR"
	}
}

type ReportType int32

const (
	ReportTypeUnknown    ReportType = 0
	ReportTypeCompletion ReportType = 1
	ReportTypeError      ReportType = 2
)

type Request struct {
	RequestId   string `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	Action      int32  `protobuf:"varint,2,opt,name=action,proto3"`
	TopicName   string `protobuf:"bytes,3,opt,name=topic_name,json=topicName,proto3"`
	PartitionId int32  `protobuf:"varint,4,opt,name=partition_id,json=partitionId,proto3"`
	Payload     []byte `protobuf:"bytes,5,opt,name=payload,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	StatusCode   int32           `protobuf:"varint,2,opt,name=status_code,json=statusCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Payload      []byte          `protobuf:"bytes,4,opt,name=payload,proto3"`
	Report       *TaskReport     `protobuf:"bytes,5,opt,name=report,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

// TaskReport is the lifecycle report payload. The offset record, version
// state and checksum are only set on completion reports.
type TaskReport struct {
	TopicName           string `protobuf:"bytes,1,opt,name=topic_name,json=topicName,proto3"`
	PartitionId         int32  `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3"`
	Status              int32  `protobuf:"varint,3,opt,name=status,proto3"`
	Offset              int64  `protobuf:"varint,4,opt,name=offset,proto3"`
	ErrorMessage        string `protobuf:"bytes,5,opt,name=error_message,json=errorMessage,proto3"`
	OffsetRecord        []byte `protobuf:"bytes,6,opt,name=offset_record,json=offsetRecord,proto3"`
	StoreVersionState   []byte `protobuf:"bytes,7,opt,name=store_version_state,json=storeVersionState,proto3"`
	TransformerChecksum []byte `protobuf:"bytes,8,opt,name=transformer_checksum,json=transformerChecksum,proto3"`
	ReportType          int32  `protobuf:"varint,9,opt,name=report_type,json=reportType,proto3"`
}

func (*TaskReport) Reset()         {}
func (*TaskReport) String() string { return "TaskReport" }
func (*TaskReport) ProtoMessage()  {}

type HealthResponse struct {
	Ok        bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Initiated bool   `protobuf:"varint,2,opt,name=initiated,proto3"`
	Message   string `protobuf:"bytes,3,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func UnmarshalTaskReport(payload []byte) (*TaskReport, error) {
	var r TaskReport
	if err := proto.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ValidateRequest checks the fields every action needs.
func ValidateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Action(req.Action) {
	case ActionUnknown:
		return fmt.Errorf("action is required")
	case ActionStart, ActionStop, ActionReport, ActionMetadata:
		if req.TopicName == "" {
			return fmt.Errorf("topic_name is required for %s", Action(req.Action))
		}
		if req.PartitionId < 0 {
			return fmt.Errorf("partition_id must be non-negative")
		}
	case ActionHealth, ActionShutdown:
	default:
		return fmt.Errorf("unknown action %d", req.Action)
	}
	return nil
}

func ToTaskReport(r domain.Report) *TaskReport {
	out := &TaskReport{
		TopicName:           r.Stream,
		PartitionId:         int32(r.Partition),
		Status:              int32(r.Status),
		Offset:              r.Offset,
		ErrorMessage:        r.ErrorMessage,
		OffsetRecord:        r.Checkpoint,
		StoreVersionState:   r.VersionState,
		TransformerChecksum: r.TransformerChecksum,
	}
	switch r.Status {
	case domain.ReportStatusCompleted:
		out.ReportType = int32(ReportTypeCompletion)
	case domain.ReportStatusError:
		out.ReportType = int32(ReportTypeError)
	}
	return out
}

func FromTaskReport(r *TaskReport) domain.Report {
	if r == nil {
		return domain.Report{}
	}
	return domain.Report{
		Stream:              r.TopicName,
		Partition:           int(r.PartitionId),
		Status:              domain.ReportStatus(r.Status),
		Offset:              r.Offset,
		ErrorMessage:        r.ErrorMessage,
		Checkpoint:          r.OffsetRecord,
		VersionState:        r.StoreVersionState,
		TransformerChecksum: r.TransformerChecksum,
	}
}
