// Package wire decodes the tag/value sub-messages carried inside Argument
// buffers.
//
// Decoding is split in two steps. Parse turns a buffer into a neutral list of
// raw fields without interpreting them. Classifiers such as ClassifyAuth are
// pure functions over that list: they pick which client layout the fields
// belong to and extract what they can, so a client that moved fields between
// versions still decodes.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed  = errors.New("wire: malformed field")
	ErrIncomplete = errors.New("wire: required field missing")
)

// Field is one raw tag/value pair. Bytes is set for length-delimited fields
// and for fixed-width fields (little endian, as on the wire); Varint is set
// for varint fields.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// Str returns the field as a string when it is length-delimited.
func (f Field) Str() (string, bool) {
	if f.Type != protowire.BytesType {
		return "", false
	}
	return string(f.Bytes), true
}

// Fields is a parsed sub-message in wire order.
type Fields []Field

// Last returns the last occurrence of num, mirroring protobuf's
// last-one-wins rule for singular fields.
func (fs Fields) Last(num protowire.Number) (Field, bool) {
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].Num == num {
			return fs[i], true
		}
	}
	return Field{}, false
}

// Text returns the last length-delimited occurrence of num.
func (fs Fields) Text(num protowire.Number) (string, bool) {
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].Num == num {
			if s, ok := fs[i].Str(); ok {
				return s, true
			}
		}
	}
	return "", false
}

// Uint returns the last varint occurrence of num.
func (fs Fields) Uint(num protowire.Number) (uint64, bool) {
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].Num == num && fs[i].Type == protowire.VarintType {
			return fs[i].Varint, true
		}
	}
	return 0, false
}

// Parse reads every tag/value pair in buf. Field numbers are not interpreted
// and group wire types are skipped whole. When the buffer is cut short or
// carries an invalid tag, Parse returns the fields decoded up to that point
// together with an error wrapping ErrMalformed.
func Parse(buf []byte) (Fields, error) {
	var fields Fields
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fields, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return fields, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(buf)
			if m < 0 {
				return fields, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.Bytes = append([]byte(nil), v...)
			n = m
		case protowire.Fixed32Type, protowire.Fixed64Type:
			m := protowire.ConsumeFieldValue(num, typ, buf)
			if m < 0 {
				return fields, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.Bytes = append([]byte(nil), buf[:m]...)
			n = m
		default:
			// Groups and reserved wire types carry nothing we classify.
			m := protowire.ConsumeFieldValue(num, typ, buf)
			if m < 0 {
				return fields, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			buf = buf[m:]
			continue
		}
		buf = buf[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// AppendString appends a length-delimited string field. Used by clients and
// tests to build sub-messages.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendUint appends a varint field.
func AppendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
