// Package report carries lifecycle reports from the sidecar to its
// controller.
package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"isolator/internal/control"
)

// Sender transmits one serialized report. Implementations make a single
// attempt; the controller recovers lost reports by re-issuing REPORT.
type Sender interface {
	SendRequest(ctx context.Context, action control.Action, payload []byte) error
}

// SocketSender delivers reports over the control channel to the
// controller's listener.
type SocketSender struct {
	client *control.Client
}

func NewSocketSender(address string, timeout time.Duration) *SocketSender {
	c := control.NewClient(address)
	if timeout > 0 {
		c.Timeout = timeout
	}
	return &SocketSender{client: c}
}

func (s *SocketSender) SendRequest(ctx context.Context, action control.Action, payload []byte) error {
	return s.client.SendRequest(ctx, action, payload)
}

// LogSender only logs reports. It is used when no controller transport is
// configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendRequest(_ context.Context, action control.Action, payload []byte) error {
	ev := s.Logger.Info().Str("action", action.String()).Int("bytes", len(payload))
	if tr, err := control.UnmarshalTaskReport(payload); err == nil {
		ev = ev.Str("stream", tr.TopicName).Int32("partition", tr.PartitionId).Int32("status", tr.Status)
	}
	ev.Msg("report not transmitted; no transport configured")
	return nil
}
