package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

const DefaultTimeout = 5 * time.Second

// ResponseError is returned by Client helpers when the peer answers with a
// non-OK status.
type ResponseError struct {
	Code    StatusCode
	Message string
}

func (e *ResponseError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Retryable reports whether the request may succeed if sent again.
func Retryable(code int32) bool {
	switch StatusCode(code) {
	case StatusOverloaded, StatusNotReady:
		return true
	}
	return false
}

// Client sends one request per connection.
type Client struct {
	Network string
	Address string
	Timeout time.Duration
	// MaxFrameSize caps request and response frames; zero uses
	// DefaultMaxFrameSize.
	MaxFrameSize int
}

func NewClient(address string) *Client {
	return &Client{Network: "tcp", Address: address, Timeout: DefaultTimeout}
}

// Do sends req and returns the raw response. The request id is filled in
// when empty.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.RequestId == "" {
		req.RequestId = uuid.NewString()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	network := c.Network
	if network == "" {
		network = "tcp"
	}
	return roundTrip(ctx, network, c.Address, req, Framer{Limit: c.MaxFrameSize})
}

// SendRequest sends action with payload and fails on any non-OK status.
func (c *Client) SendRequest(ctx context.Context, action Action, payload []byte) error {
	res, err := c.Do(ctx, &Request{Action: int32(action), Payload: payload})
	if err != nil {
		return err
	}
	return statusErr(res)
}

// Call sends a partition-scoped action.
func (c *Client) Call(ctx context.Context, action Action, stream string, partition int) (*Response, error) {
	res, err := c.Do(ctx, &Request{Action: int32(action), TopicName: stream, PartitionId: int32(partition)})
	if err != nil {
		return nil, err
	}
	return res, statusErr(res)
}

func statusErr(res *Response) error {
	if StatusCode(res.StatusCode) == StatusOK {
		return nil
	}
	return &ResponseError{Code: StatusCode(res.StatusCode), Message: res.ErrorMessage}
}

// DialAndRequest sends one request over a fresh connection using the default
// frame limit.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	return roundTrip(ctx, network, address, req, Framer{})
}

func roundTrip(ctx context.Context, network, address string, req *Request, framer Framer) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := framer.Write(conn, payload); err != nil {
		return nil, err
	}
	frame, err := framer.Read(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}
