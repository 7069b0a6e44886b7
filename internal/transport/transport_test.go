package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/lspmux/internal/protocol"
)

type collector struct {
	mu       sync.Mutex
	messages []string
	closed   chan error
}

func newCollector() *collector {
	return &collector{closed: make(chan error, 1)}
}

func (c *collector) onMessage(body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(body))
}

func (c *collector) onClose(reason error) {
	c.closed <- reason
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func TestStream_DeliversMessagesInOrder(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	s := NewConn(local)
	c := newCollector()
	s.Start(c.onMessage, c.onClose)

	go func() {
		remote.Write(protocol.MustEncode(protocol.NewNotification("a", nil).Payload()))
		remote.Write([]byte("X-Junk: 1\r\n\r\n"))
		remote.Write(protocol.MustEncode(protocol.NewNotification("b", nil).Payload()))
	}()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := c.snapshot()
	assert.Contains(t, msgs[0], `"method":"a"`)
	assert.Contains(t, msgs[1], `"method":"b"`)
}

func TestStream_SendWritesFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	s := NewConn(local)
	frame := protocol.MustEncode(protocol.NewRequest("ping", nil).Payload(1))

	go func() {
		assert.NoError(t, s.Send(frame))
	}()

	body, err := protocol.ReadFrame(bufio.NewReader(remote))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(body))
}

func TestStream_RemoteHangupClosesCleanly(t *testing.T) {
	local, remote := net.Pipe()

	s := NewConn(local)
	c := newCollector()
	s.Start(c.onMessage, c.onClose)

	remote.Close()

	select {
	case reason := <-c.closed:
		assert.NoError(t, reason)
	case <-time.After(time.Second):
		t.Fatal("onClose not called")
	}
	assert.True(t, s.IsClosed())
	assert.ErrorIs(t, s.Send([]byte("x")), ErrClosed)
}

func TestStream_OversizedFrameFailsStream(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	s := NewConn(local)
	c := newCollector()
	s.Start(c.onMessage, c.onClose)

	go remote.Write([]byte("Content-Length: 999999999999\r\n\r\n"))

	select {
	case reason := <-c.closed:
		assert.ErrorIs(t, reason, protocol.ErrFrameTooLarge)
	case <-time.After(time.Second):
		t.Fatal("onClose not called")
	}
	assert.True(t, s.IsClosed())
	assert.Empty(t, c.snapshot())
}

func TestStream_CloseEndsReadLoop(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	s := NewConn(local)
	c := newCollector()
	s.Start(c.onMessage, c.onClose)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case reason := <-c.closed:
		assert.NoError(t, reason)
	case <-time.After(time.Second):
		t.Fatal("onClose not called")
	}
}

func TestStdio_ReadsStdoutWritesStdin(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stdinR, stdinW := io.Pipe()

	s := NewStdio(stdinW, stdoutR)
	c := newCollector()
	s.Start(c.onMessage, c.onClose)

	go func() {
		stdoutW.Write(protocol.MustEncode(protocol.NewResult(1, true).Payload()))
	}()
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	go s.Send(protocol.MustEncode(protocol.Exit().Payload()))
	body, err := protocol.ReadFrame(bufio.NewReader(stdinR))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"exit"`)

	stdoutW.Close()
	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("onClose not called")
	}
}

func TestDialTCP_RetriesUntilListening(t *testing.T) {
	// Reserve a port, release it, and start listening a little later.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	accepted := make(chan net.Conn, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s, err := DialTCP(context.Background(), addr, 3*time.Second)
	require.NoError(t, err)
	defer s.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
}

func TestDialTCP_Timeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	start := time.Now()
	_, err = DialTCP(context.Background(), addr, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialTCP_ContextCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = DialTCP(ctx, addr, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
