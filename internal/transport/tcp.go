package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultConnectTimeout bounds the connect retry loop for socket servers.
const DefaultConnectTimeout = 5 * time.Second

// ErrConnectTimeout is returned when a socket server does not accept a
// connection within the connect budget.
var ErrConnectTimeout = errors.New("timeout connecting to socket")

// newConnectBackoff creates the retry schedule for DialTCP. The server
// process was just spawned, so the first attempts are close together.
func newConnectBackoff(ctx context.Context, timeout time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout
	b.RandomizationFactor = 0.2
	b.Multiplier = 1.5
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// DialTCP connects to addr, retrying until timeout elapses. A zero timeout
// means DefaultConnectTimeout.
func DialTCP(ctx context.Context, addr string, timeout time.Duration, opts ...Option) (*Stream, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	var conn net.Conn
	attempts := 0

	op := func() error {
		attempts++
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, newConnectBackoff(ctx, timeout)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w %s after %d attempts: %v", ErrConnectTimeout, addr, attempts, err)
	}

	return NewConn(conn, opts...), nil
}
