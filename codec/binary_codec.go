package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gamerpc/message"
	"gamerpc/protocol"
)

const (
	statusSuccess byte = 0
	statusFault   byte = 1
)

var (
	ErrUnsupportedValue = errors.New("codec: value must be *message.Request or *message.Response")
	ErrAmbiguousResult  = errors.New("codec: response must carry exactly one of result or fault")
	ErrFieldTooLong     = errors.New("codec: field exceeds length prefix")
)

// BinaryCodec is the length-prefixed big-endian body codec.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &writer{}
	switch msg := v.(type) {
	case *message.Request:
		w.str(msg.ID)
		w.str(msg.Service)
		w.str(msg.Method)
		if len(msg.Params) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d arguments", ErrFieldTooLong, len(msg.Params))
		}
		w.u16(uint16(len(msg.Params)))
		for _, arg := range msg.Params {
			w.arg(arg)
		}
	case *message.Response:
		if (msg.Result == nil) == (msg.Fault == nil) {
			return nil, ErrAmbiguousResult
		}
		w.str(msg.ID)
		if msg.Fault != nil {
			w.byte(statusFault)
			w.u32(uint32(msg.Fault.Code))
			w.str(msg.Fault.Reason)
		} else {
			w.byte(statusSuccess)
			w.arg(*msg.Result)
		}
	default:
		return nil, ErrUnsupportedValue
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Decode fills v from data. Any structural problem is reported as a
// *protocol.FramingError: a body that does not parse cannot be answered
// because its correlation id is unknown.
func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{data: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.ID = r.str()
		msg.Service = r.str()
		msg.Method = r.str()
		argc := int(r.u16())
		if r.err == nil {
			// Every argument needs at least its tag byte.
			msg.Params = make([]message.Argument, 0, min(argc, len(r.data)-r.off))
		}
		for i := 0; i < argc && r.err == nil; i++ {
			msg.Params = append(msg.Params, r.arg())
		}
	case *message.Response:
		msg.ID = r.str()
		switch status := r.byte(); {
		case r.err != nil:
		case status == statusSuccess:
			arg := r.arg()
			msg.Result = &arg
		case status == statusFault:
			code := int32(r.u32())
			msg.Fault = &message.Fault{Code: code, Reason: r.str()}
		default:
			r.fail(fmt.Errorf("unknown response status %d", status))
		}
	default:
		return ErrUnsupportedValue
	}
	if r.err == nil && r.off != len(r.data) {
		r.fail(fmt.Errorf("%d trailing bytes", len(r.data)-r.off))
	}
	if r.err != nil {
		return protocol.NewFramingError("decode body", r.err)
	}
	return nil
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) str(s string) {
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("%w: string of %d bytes", ErrFieldTooLong, len(s))
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.err = fmt.Errorf("%w: buffer of %d bytes", ErrFieldTooLong, len(b))
		return
	}
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) arg(a message.Argument) {
	switch a.Kind {
	case message.ArgNull:
		w.byte(byte(message.ArgNull))
	case message.ArgSingle:
		w.byte(byte(message.ArgSingle))
		w.bytes(a.Bytes)
	case message.ArgArray:
		if len(a.Items) > math.MaxUint16 {
			w.err = fmt.Errorf("%w: array of %d items", ErrFieldTooLong, len(a.Items))
			return
		}
		w.byte(byte(message.ArgArray))
		w.u16(uint16(len(a.Items)))
		for _, item := range a.Items {
			w.bytes(item)
		}
	default:
		w.err = fmt.Errorf("codec: unknown argument kind %d", a.Kind)
	}
}

// reader is a bounds-checked cursor; after the first failure every read
// returns zero values and err keeps the first cause.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.fail(fmt.Errorf("%w: need %d bytes at offset %d", protocol.ErrTruncated, n, r.off))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) str() string {
	return string(r.take(int(r.u16())))
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.fail(fmt.Errorf("%w: buffer of %d bytes at offset %d", protocol.ErrTruncated, n, r.off))
		return nil
	}
	src := r.take(int(n))
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

func (r *reader) arg() message.Argument {
	switch kind := message.ArgKind(r.byte()); {
	case r.err != nil:
		return message.Argument{}
	case kind == message.ArgNull:
		return message.Null()
	case kind == message.ArgSingle:
		return message.Single(r.bytes())
	case kind == message.ArgArray:
		count := int(r.u16())
		items := make([][]byte, 0, min(count, (len(r.data)-r.off)/4))
		for i := 0; i < count && r.err == nil; i++ {
			items = append(items, r.bytes())
		}
		return message.Array(items...)
	default:
		r.fail(fmt.Errorf("unknown argument tag %d", byte(kind)))
		return message.Argument{}
	}
}
