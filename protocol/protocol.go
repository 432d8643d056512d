// Package protocol implements the binary frame protocol spoken by game clients.
//
// Every frame is a fixed 9-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes, so frames are self-delimiting on the TCP stream.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ grp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// The body layout (correlation id, service, method, arguments) is owned by
// the codec package.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "grp" identify a game RPC frame and reject stray traffic
// (HTTP probes, health checkers) before any body is allocated.
const (
	MagicNumber byte = 0x67 // 'g'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)
)

// DefaultMaxBodyLen bounds memory allocated for a single frame body.
const DefaultMaxBodyLen uint32 = 8 * 1024 * 1024

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnsupportedMsgType = errors.New("unsupported message type")
	ErrBodyTooLarge       = errors.New("body too large")
	ErrTruncated          = errors.New("truncated data")
)

// FramingError reports a malformed byte stream. The connection that produced
// it cannot be resynchronized and must be closed.
type FramingError struct {
	Op  string
	Err error
}

func (e *FramingError) Error() string {
	return "protocol: " + e.Op + ": " + e.Err.Error()
}

func (e *FramingError) Unwrap() error { return e.Err }

// NewFramingError wraps err as a framing failure of the given operation.
func NewFramingError(op string, err error) *FramingError {
	return &FramingError{Op: op, Err: err}
}

// IsFramingError reports whether err (or anything it wraps) is a FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Header represents the fixed frame header.
type Header struct {
	MsgType MsgType // Request, Response, or Heartbeat
	BodyLen uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))

	// One write per frame keeps small responses in a single segment.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadHeader blocks until a full header has been read from r and validates it.
// io.EOF is returned unchanged when the peer closed cleanly between frames.
func ReadHeader(r io.Reader) (*Header, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, NewFramingError("read header", ErrTruncated)
		}
		return nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, NewFramingError("read header", fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3]))
	}
	if headerBuf[3] != Version {
		return nil, NewFramingError("read header", fmt.Errorf("%w: %d", ErrUnsupportedVersion, headerBuf[3]))
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, NewFramingError("read header", fmt.Errorf("%w: %d", ErrUnsupportedMsgType, byte(msgType)))
	}

	return &Header{
		MsgType: msgType,
		BodyLen: binary.BigEndian.Uint32(headerBuf[5:9]),
	}, nil
}

// ReadBody reads exactly h.BodyLen bytes. A maxLen of zero means
// DefaultMaxBodyLen.
func ReadBody(r io.Reader, h *Header, maxLen uint32) ([]byte, error) {
	if maxLen == 0 {
		maxLen = DefaultMaxBodyLen
	}
	if h.BodyLen > maxLen {
		return nil, NewFramingError("read body", fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, h.BodyLen, maxLen))
	}
	if h.MsgType == MsgTypeHeartbeat && h.BodyLen != 0 {
		return nil, NewFramingError("read body", fmt.Errorf("heartbeat with %d byte body", h.BodyLen))
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, NewFramingError("read body", ErrTruncated)
		}
		return nil, err
	}
	return body, nil
}

// Decode reads a complete frame (header + body) from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	return DecodeLimit(r, DefaultMaxBodyLen)
}

// DecodeLimit is Decode with an explicit body size cap.
func DecodeLimit(r io.Reader, maxLen uint32) (*Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	body, err := ReadBody(r, h, maxLen)
	if err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
