package isolation

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/avast/retry-go"

	"isolator/internal/control"
)

// BindError is the fatal startup error returned when the control port could
// not be bound within the configured attempts.
type BindError struct {
	Port     int
	Attempts int
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("unable to bind port %d after %d attempts: %v", e.Port, e.Attempts, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (c *Coordinator) listenAddress() string {
	return net.JoinHostPort(c.settings.Host, strconv.Itoa(c.port))
}

// releaseStaleBinding asks a previous instance still holding the port to
// shut down. Failures are expected when nothing is listening.
func (c *Coordinator) releaseStaleBinding(ctx context.Context) {
	if c.port == 0 {
		return
	}
	client := control.NewClient(net.JoinHostPort("127.0.0.1", strconv.Itoa(c.port)))
	client.Timeout = c.settings.ReleaseTimeout
	if err := client.SendRequest(ctx, control.ActionShutdown, nil); err != nil {
		c.logger.Debug().Err(err).Int("port", c.port).Msg("no stale instance released")
		return
	}
	c.logger.Info().Int("port", c.port).Msg("asked previous instance to release the port")
}

// bind retries with a fixed delay so a port still in TCP teardown is picked
// up once released, while a permanently taken port fails startup.
func (c *Coordinator) bind(ctx context.Context) (net.Listener, error) {
	var ln net.Listener
	attempts := 0
	addr := c.listenAddress()
	err := retry.Do(
		func() error {
			attempts++
			c.metrics.RecordBindAttempt()
			l, err := c.listen("tcp", addr)
			if err != nil {
				return err
			}
			ln = l
			return nil
		},
		retry.Attempts(uint(c.settings.BindAttempts)),
		retry.Delay(c.settings.BindInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, &BindError{Port: c.port, Attempts: attempts, Err: err}
	}
	if attempts > 1 {
		c.logger.Info().Int("port", c.port).Int("attempts", attempts).Msg("bound control port after retries")
	}
	return ln, nil
}
