package kafkaclient

import "github.com/twmb/franz-go/pkg/kgo"

// HeaderControl marks a control record. Its value is one of the Control*
// constants; control records carry no user data.
const HeaderControl = "isolator-control"

const (
	// ControlStartOfPush carries the encoded version state as its value.
	ControlStartOfPush = "START_OF_PUSH"
	ControlEndOfPush   = "END_OF_PUSH"
)

// ControlType returns the control marker of r, or "" for data records.
func ControlType(r *kgo.Record) string {
	for _, h := range r.Headers {
		if h.Key == HeaderControl {
			return string(h.Value)
		}
	}
	return ""
}

// ControlRecord builds a control record for topic.
func ControlRecord(topic string, partition int32, control string, value []byte) *kgo.Record {
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Value:     value,
		Headers:   []kgo.RecordHeader{{Key: HeaderControl, Value: []byte(control)}},
	}
}
