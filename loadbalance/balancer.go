// Package loadbalance picks which backend instance serves a call.
//
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  session affinity; the same key (a session token)
//     keeps landing on the same backend while the instance set is stable
package loadbalance

import (
	"errors"
	"fmt"

	"gamerpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is called before every call and must be goroutine-safe. key is
// the affinity key of the call; balancers that do not use affinity ignore it.
type Balancer interface {
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
