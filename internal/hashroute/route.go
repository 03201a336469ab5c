// Package hashroute maps record keys to log partitions.
package hashroute

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PartitionForKey is the partition of key in a topic with partitions
// partitions. It is stable across processes.
func PartitionForKey(key []byte, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(partitions))
}

// Router remembers the partition count of each topic.
type Router struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewRouter() *Router {
	return &Router{counts: make(map[string]int)}
}

func (r *Router) SetPartitions(topic string, partitions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[topic] = partitions
}

func (r *Router) Partitions(topic string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.counts[topic]
	return n, ok
}

// Route returns the partition of key in topic.
func (r *Router) Route(topic string, key []byte) (int, error) {
	n, ok := r.Partitions(topic)
	if !ok || n < 1 {
		return 0, fmt.Errorf("unknown partition count for topic %q", topic)
	}
	return PartitionForKey(key, n), nil
}
