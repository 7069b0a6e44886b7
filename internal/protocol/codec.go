package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrMissingLength is returned by ReadFrame when a header block ends
	// without a usable Content-Length. The stream stays usable.
	ErrMissingLength = errors.New("missing Content-Length header")

	// ErrMalformed is returned by Decode for bodies that are not a JSON object.
	ErrMalformed = errors.New("malformed message")

	// ErrFrameTooLarge is returned by ReadFrame for a Content-Length above
	// MaxContentLength. The body is not read, so the stream is unusable.
	ErrFrameTooLarge = errors.New("frame too large")
)

const contentLengthHeader = "content-length"

// MaxContentLength bounds the body size accepted by ReadFrame.
const MaxContentLength = 64 << 20

// Encode serializes payload and prefixes it with the Content-Length header.
// The length is the byte length of the UTF-8 JSON body.
func Encode(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	frame := make([]byte, 0, len(body)+32)
	frame = fmt.Appendf(frame, "Content-Length: %d\r\n\r\n", len(body))
	return append(frame, body...), nil
}

// MustEncode is Encode for payloads built by this program. A payload that
// cannot be serialized is a programming error, so it panics.
func MustEncode(payload any) []byte {
	frame, err := Encode(payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// ReadFrame reads one framed message body from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.ToLower(strings.TrimSpace(name)) != contentLengthHeader {
			// Content-Type and unknown headers are ignored.
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && n >= 0 {
			contentLength = n
		}
	}

	if contentLength < 0 {
		return nil, ErrMissingLength
	}
	if contentLength > MaxContentLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, contentLength)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Kind classifies a decoded message by shape.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound message.
type Message struct {
	Kind   Kind
	ID     int64
	Method string
	Params json.RawMessage

	// Result is set when the result member is present, "null" included.
	Result json.RawMessage
	Error  *Error

	Raw []byte
}

// HasResult reports whether the result member was present.
func (m *Message) HasResult() bool {
	return m.Result != nil
}

// Decode parses a message body and classifies it: method and id make a
// request, method alone a notification, id alone a response.
func Decode(body []byte) (*Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	msg := &Message{Raw: body}
	method := root.Get("method")
	id := root.Get("id")

	switch {
	case method.Exists() && id.Exists():
		msg.Kind = KindRequest
	case method.Exists():
		msg.Kind = KindNotification
	case id.Exists():
		msg.Kind = KindResponse
	default:
		return msg, nil
	}

	if id.Exists() && id.Type != gjson.Number {
		return nil, fmt.Errorf("%w: id must be a number, got %s", ErrMalformed, id.Raw)
	}
	msg.Method = method.String()
	msg.ID = id.Int()
	if params := root.Get("params"); params.Exists() {
		msg.Params = json.RawMessage(params.Raw)
	}

	if msg.Kind != KindResponse {
		return msg, nil
	}

	if result := root.Get("result"); result.Exists() {
		msg.Result = json.RawMessage(result.Raw)
	}
	if errVal := root.Get("error"); errVal.Exists() {
		msg.Error = decodeError(errVal)
	}
	return msg, nil
}

func decodeError(v gjson.Result) *Error {
	if !v.IsObject() {
		return &Error{Code: CodeUnknownErrorCode, Message: v.String()}
	}
	e := &Error{
		Code:    int(v.Get("code").Int()),
		Message: v.Get("message").String(),
	}
	if data := v.Get("data"); data.Exists() {
		e.Data = json.RawMessage(data.Raw)
	}
	return e
}
