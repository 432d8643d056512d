package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"gamerpc/message"
	"gamerpc/middleware"
)

// Named lets a service value choose its wire service name. Without it the
// struct type name is used.
type Named interface {
	ServiceName() string
}

var (
	ctxType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	requestType = reflect.TypeOf((*message.Request)(nil))
	argType     = reflect.TypeOf(message.Argument{})
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// RegisterService scans rcvr's exported methods and registers every one with
// the handler signature
//
//	func (ctx context.Context, req *message.Request) (message.Argument, error)
//
// under its wire name: the Go name with a lowercase first letter, so
// Heartbeat becomes "heartbeat". It returns the registered method names.
func (s *Server) RegisterService(rcvr any) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: service must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: service must point to a struct, got %s", typ.Elem().Kind())
	}

	name := typ.Elem().Name()
	if n, ok := rcvr.(Named); ok {
		name = n.ServiceName()
	}
	if name == "" {
		return nil, fmt.Errorf("server: service %T has no name", rcvr)
	}

	val := reflect.ValueOf(rcvr)
	var registered []string
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !isHandlerMethod(m.Type) {
			continue
		}
		fn, ok := val.Method(i).Interface().(func(context.Context, *message.Request) (message.Argument, error))
		if !ok {
			continue
		}
		wire := wireName(m.Name)
		s.Register(name, wire, middleware.HandlerFunc(fn))
		registered = append(registered, wire)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("server: service %s has no handler methods", name)
	}
	return registered, nil
}

// RegisterFunc registers h under a "Service.method" key.
func (s *Server) RegisterFunc(key string, h func(context.Context, *message.Request) (message.Argument, error)) error {
	service, method, ok := strings.Cut(key, ".")
	if !ok || service == "" || method == "" {
		return fmt.Errorf("server: method key %q is not Service.method", key)
	}
	s.Register(service, method, h)
	return nil
}

// isHandlerMethod reports whether t, a method type including its receiver,
// matches HandlerFunc.
func isHandlerMethod(t reflect.Type) bool {
	return t.NumIn() == 3 && t.NumOut() == 2 &&
		t.In(1) == ctxType && t.In(2) == requestType &&
		t.Out(0) == argType && t.Out(1) == errorType
}

func wireName(goName string) string {
	r, size := utf8.DecodeRuneInString(goName)
	return string(unicode.ToLower(r)) + goName[size:]
}
