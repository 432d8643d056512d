// Package registry announces game backend instances and lets clients find
// them.
package registry

import "context"

// ServiceInstance is one backend serving a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces instance under serviceName for as long as the
	// process keeps the ttl-second lease alive.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
