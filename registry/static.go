package registry

import (
	"context"
	"slices"
	"sync"
)

// Static is an in-process Registry for single-node deployments and tests.
// Leases are not modeled; ttl is ignored.
type Static struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStatic() *Static {
	return &Static{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (s *Static) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := slices.DeleteFunc(s.instances[serviceName], func(i ServiceInstance) bool { return i.Addr == instance.Addr })
	s.instances[serviceName] = append(list, instance)
	s.notifyLocked(serviceName)
	return nil
}

func (s *Static) Deregister(_ context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[serviceName] = slices.DeleteFunc(s.instances[serviceName], func(i ServiceInstance) bool { return i.Addr == addr })
	s.notifyLocked(serviceName)
	return nil
}

func (s *Static) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.instances[serviceName]), nil
}

func (s *Static) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	s.mu.Lock()
	s.watchers[serviceName] = append(s.watchers[serviceName], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[serviceName] = slices.DeleteFunc(s.watchers[serviceName], func(c chan []ServiceInstance) bool { return c == ch })
		close(ch)
	}()
	return ch
}

// notifyLocked replaces any unread update with the latest list.
func (s *Static) notifyLocked(serviceName string) {
	snapshot := slices.Clone(s.instances[serviceName])
	for _, ch := range s.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
