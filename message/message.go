// Package message defines the RPC values exchanged between game clients and
// the server.
//
// A Request names a service and method, carries an opaque correlation id and
// an ordered list of Arguments. Every Request is answered by exactly one
// Response carrying the same id and either a success Argument or a Fault.
package message

import (
	"bytes"
	"fmt"
)

// ArgKind tags the Argument union.
type ArgKind uint8

const (
	ArgNull   ArgKind = 0
	ArgSingle ArgKind = 1
	ArgArray  ArgKind = 2
)

func (k ArgKind) String() string {
	switch k {
	case ArgNull:
		return "null"
	case ArgSingle:
		return "single"
	case ArgArray:
		return "array"
	default:
		return fmt.Sprintf("argkind(%d)", uint8(k))
	}
}

// Argument is one RPC parameter or result: null, a single buffer, or an
// ordered array of buffers. Buffers are opaque sub-messages; only the handler
// that owns the method knows their schema.
type Argument struct {
	Kind  ArgKind
	Bytes []byte   // set when Kind == ArgSingle
	Items [][]byte // set when Kind == ArgArray
}

// Null returns the null Argument.
func Null() Argument { return Argument{Kind: ArgNull} }

// Single wraps one buffer.
func Single(b []byte) Argument {
	if b == nil {
		b = []byte{}
	}
	return Argument{Kind: ArgSingle, Bytes: b}
}

// String wraps a UTF-8 string as a single buffer.
func String(s string) Argument { return Single([]byte(s)) }

// Array wraps an ordered list of buffers.
func Array(items ...[]byte) Argument {
	if items == nil {
		items = [][]byte{}
	}
	return Argument{Kind: ArgArray, Items: items}
}

func (a Argument) IsNull() bool { return a.Kind == ArgNull }

// Equal reports whether a and b carry the same kind and bytes.
func (a Argument) Equal(b Argument) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ArgSingle:
		return bytes.Equal(a.Bytes, b.Bytes)
	case ArgArray:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !bytes.Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
	}
	return true
}

// Request is one inbound call.
type Request struct {
	ID      string     // Opaque correlation token chosen by the caller
	Service string     // e.g. "Auth"
	Method  string     // e.g. "handshake"
	Params  []Argument // Ordered arguments
}

// Key returns the "Service.Method" form used in logs and metrics.
func (r *Request) Key() string {
	return r.Service + "." + r.Method
}

// Param returns the i-th argument, or a BadArgument fault when the caller sent
// fewer arguments or the wrong kind.
func (r *Request) Param(i int, kind ArgKind) (Argument, error) {
	if i < 0 || i >= len(r.Params) {
		return Argument{}, Faultf(CodeBadArgument, "missing argument %d", i)
	}
	arg := r.Params[i]
	if arg.Kind != kind {
		return Argument{}, Faultf(CodeBadArgument, "argument %d: want %s, got %s", i, kind, arg.Kind)
	}
	return arg, nil
}

// Response answers exactly one Request. Exactly one of Result and Fault is set.
type Response struct {
	ID     string
	Result *Argument
	Fault  *Fault
}
