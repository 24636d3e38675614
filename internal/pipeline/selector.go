package pipeline

import (
	"math/rand"
	"sync"

	"github.com/agenticlab/distill/internal/config"
)

// EndpointSelector picks the next endpoint from a pool. Preferred order wins
// when configured, then the pool strategy applies. Safe for concurrent use:
// workers select endpoints without going through the scheduler.
type EndpointSelector struct {
	mu sync.Mutex

	pool            config.Pool
	rng             *rand.Rand
	roundRobinIndex int
	preferredIndex  int
	totalWeight     float64
}

// NewEndpointSelector builds a selector over the pool with a deterministic
// draw sequence for the given seed.
func NewEndpointSelector(pool config.Pool, seed int64) *EndpointSelector {
	total := 0.0
	for _, ep := range pool.Endpoints {
		total += ep.Weight
	}
	return &EndpointSelector{
		pool:        pool,
		rng:         rand.New(rand.NewSource(seed)),
		totalWeight: total,
	}
}

// Select returns the next endpoint.
func (s *EndpointSelector) Select() config.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pool.PreferredOrder) > 0 {
		for range s.pool.PreferredOrder {
			name := s.pool.PreferredOrder[s.preferredIndex%len(s.pool.PreferredOrder)]
			s.preferredIndex++
			if ep := s.pool.Lookup(name); ep != nil {
				return *ep
			}
		}
	}

	if s.pool.SelectionStrategy == "round_robin" {
		ep := s.pool.Endpoints[s.roundRobinIndex%len(s.pool.Endpoints)]
		s.roundRobinIndex++
		return ep
	}

	threshold := s.rng.Float64() * s.totalWeight
	cumulative := 0.0
	for _, ep := range s.pool.Endpoints {
		cumulative += ep.Weight
		if threshold <= cumulative {
			return ep
		}
	}
	return s.pool.Endpoints[len(s.pool.Endpoints)-1]
}
