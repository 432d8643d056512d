package message

import (
	"errors"
	"fmt"
)

// Fault codes written on the wire.
const (
	CodeUnknownMethod   int32 = 1
	CodeInternal        int32 = 2
	CodeUnauthenticated int32 = 3
	CodeTimeout         int32 = 4
	CodeRateLimited     int32 = 5
	CodeBadArgument     int32 = 6
	CodeNotFound        int32 = 7
)

// Fault is a structured error returned to the caller instead of a success
// Argument. Handlers return a *Fault as their error to choose the fault
// content themselves.
type Fault struct {
	Code   int32
	Reason string
}

func (f *Fault) Error() string {
	if f.Reason == "" {
		return fmt.Sprintf("rpc fault %d", f.Code)
	}
	return fmt.Sprintf("rpc fault %d: %s", f.Code, f.Reason)
}

// NewFault builds a Fault with an optional reason.
func NewFault(code int32, reason string) *Fault {
	return &Fault{Code: code, Reason: reason}
}

// Faultf builds a Fault with a formatted reason.
func Faultf(code int32, format string, args ...any) *Fault {
	return &Fault{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsFault extracts a Fault from err's chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// UnknownMethod is the fault written when no handler matches a request.
func UnknownMethod(service, method string) *Fault {
	return Faultf(CodeUnknownMethod, "unknown method %s.%s", service, method)
}

// Internal is the generic fault for handler failures; details stay in the
// server log.
func Internal() *Fault {
	return NewFault(CodeInternal, "internal error")
}
