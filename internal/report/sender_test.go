package report

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isolator/internal/control"
	"isolator/internal/domain"
)

// fakeController accepts one connection, records the request and answers
// with code.
func fakeController(t *testing.T, code control.StatusCode) (string, <-chan *control.Request) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan *control.Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := control.ReadFrame(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req, err := control.UnmarshalRequest(frame)
		if err != nil {
			return
		}
		got <- req
		payload, _ := control.MarshalMessage(&control.Response{RequestId: req.RequestId, StatusCode: int32(code), ErrorMessage: "nope"})
		_ = control.WriteFrame(conn, payload)
	}()
	return ln.Addr().String(), got
}

func TestSocketSenderDeliversReport(t *testing.T) {
	addr, got := fakeController(t, control.StatusOK)
	s := NewSocketSender(addr, time.Second)

	payload, err := control.MarshalMessage(control.ToTaskReport(domain.Report{Stream: "storeA_v1", Partition: 3, Status: domain.ReportStatusCompleted}))
	require.NoError(t, err)
	require.NoError(t, s.SendRequest(context.Background(), control.ActionReport, payload))

	req := <-got
	assert.Equal(t, control.ActionReport, control.Action(req.Action))
	assert.NotEmpty(t, req.RequestId)
	tr, err := control.UnmarshalTaskReport(req.Payload)
	require.NoError(t, err)
	assert.Equal(t, "storeA_v1", tr.TopicName)
}

func TestSocketSenderSurfacesRejection(t *testing.T) {
	addr, _ := fakeController(t, control.StatusError)
	err := NewSocketSender(addr, time.Second).SendRequest(context.Background(), control.ActionReport, []byte{1})
	var se *control.ResponseError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, control.StatusError, se.Code)
}

func TestSocketSenderUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	require.Error(t, NewSocketSender(addr, 200*time.Millisecond).SendRequest(context.Background(), control.ActionReport, []byte{1}))
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Logger: zerolog.New(&buf)}
	payload, err := control.MarshalMessage(control.ToTaskReport(domain.Report{Stream: "storeA_v1", Partition: 3}))
	require.NoError(t, err)
	require.NoError(t, s.SendRequest(context.Background(), control.ActionReport, payload))
	assert.Contains(t, buf.String(), `"stream":"storeA_v1"`)
}
