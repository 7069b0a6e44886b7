// Package transport moves framed messages over a byte stream: the standard
// streams of a server process or a TCP socket.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/protocol"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Transport is a duplex channel to one language server. It is owned by a
// single client and never shared.
type Transport interface {
	// Start begins reading. onMessage receives each complete message body in
	// arrival order, always from the same goroutine. onClose is called exactly
	// once after the last message; reason is nil for an orderly end of stream.
	Start(onMessage func(body []byte), onClose func(reason error))

	// Send writes one already framed message.
	Send(frame []byte) error

	// Close tears the connection down. The read loop then ends and onClose
	// fires.
	Close() error
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used for framing errors.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Stream) {
		s.log = log
	}
}

// Stream implements Transport over a reader/writer pair.
type Stream struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	log    zerolog.Logger

	mu      sync.Mutex
	closed  atomic.Bool
	started atomic.Bool
}

// NewStream creates a transport reading from r and writing to w. c is
// closed by Close and may be nil.
func NewStream(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Stream {
	s := &Stream{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
		log:    logging.For("transport"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStdio creates a transport over the standard streams of a server
// process: messages are written to its stdin and read from its stdout.
func NewStdio(stdin io.WriteCloser, stdout io.ReadCloser, opts ...Option) *Stream {
	return NewStream(stdout, stdin, multiCloser{stdin, stdout}, opts...)
}

// NewConn creates a transport over a network connection.
func NewConn(conn net.Conn, opts ...Option) *Stream {
	return NewStream(conn, conn, conn, opts...)
}

// Start begins the read loop. Calling it more than once has no effect.
func (s *Stream) Start(onMessage func(body []byte), onClose func(reason error)) {
	if s.started.Swap(true) {
		return
	}
	go s.readLoop(onMessage, onClose)
}

func (s *Stream) readLoop(onMessage func([]byte), onClose func(error)) {
	for {
		body, err := protocol.ReadFrame(s.reader)
		if err == nil {
			onMessage(body)
			continue
		}
		if errors.Is(err, protocol.ErrMissingLength) {
			s.log.Warn().Msg("skipping header block without Content-Length")
			continue
		}

		if errors.Is(err, protocol.ErrFrameTooLarge) {
			s.log.Error().Err(err).Msg("closing stream")
			if s.closer != nil {
				s.closer.Close()
			}
		}

		s.closed.Store(true)
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			err = nil
		}
		onClose(err)
		return
	}
}

// Send writes a frame. Writes are serialized.
func (s *Stream) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(frame); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// IsClosed returns true once the transport is closed or the peer hung up.
func (s *Stream) IsClosed() bool {
	return s.closed.Load()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
