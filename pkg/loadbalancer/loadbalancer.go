// Package loadbalancer implements the selection algorithms described in
// §4.1.1: round-robin, least-connections, random, weighted, ip-hash, and
// consistent-hash, plus the sticky-session layer that can sit on top of any
// of them. A Balancer holds only cursor/session state (the consistent-hash
// ring is rebuilt from the candidates on each selection); the candidate
// set itself always comes from the registry's discover call.
package loadbalancer

import (
	"crypto/md5" //nolint:gosec // selection hashing, not a security boundary
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/types"
)

// Balancer carries the stateful pieces of selection that must survive
// across calls: round-robin cursors and sticky-session mappings. Ring
// construction for consistent-hash is a pure function of the candidate
// set and is recomputed per call rather than cached, so there is nothing
// to keep in sync when the registry adds or removes an instance.
type Balancer struct {
	mu      sync.Mutex
	cursors map[string]int // service name -> round-robin cursor

	stickyMu sync.Mutex
	sticky   map[string]stickyEntry // session_id -> mapping
}

type stickyEntry struct {
	instanceID string
	expiresAt  time.Time
}

// New creates an empty Balancer.
func New() *Balancer {
	return &Balancer{
		cursors: make(map[string]int),
		sticky:  make(map[string]stickyEntry),
	}
}

// Select picks one instance from candidates under strategy. candidates
// must already be filtered to the eligible set (§4.1.1's "candidate set"
// definition is the registry's job, not this package's).
func (b *Balancer) Select(serviceName string, candidates []*types.ServiceInstance, strategy types.SelectionStrategy, selCtx types.SelectionContext) (*types.ServiceInstance, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if strategy.Sticky != nil && strategy.Sticky.Enabled {
		if inst := b.stickySelect(serviceName, candidates, strategy, selCtx); inst != nil {
			return inst, nil
		}
	}

	var picked *types.ServiceInstance
	var err error

	switch strategy.Algorithm {
	case types.AlgoRoundRobin, "":
		picked = b.roundRobin(serviceName, candidates)
	case types.AlgoLeastConns:
		picked = leastConnections(candidates)
	case types.AlgoRandom:
		picked = candidates[rand.Intn(len(candidates))] //nolint:gosec // load distribution, not security sensitive
	case types.AlgoWeighted:
		picked = weighted(candidates, selCtx.Weights)
	case types.AlgoIPHash:
		picked = ipHash(candidates, selCtx.ClientIP)
	case types.AlgoConsistentHash:
		picked = consistentHash(candidates, selCtx.HashKey)
	default:
		err = ferrors.New(ferrors.TagInvalidAlgorithm, fmt.Sprintf("unknown selection algorithm %q", strategy.Algorithm))
	}

	if err != nil {
		return nil, err
	}
	if picked != nil && strategy.Sticky != nil && strategy.Sticky.Enabled {
		b.rememberSticky(selCtx.SessionKey, strategy.Sticky, picked.InstanceID)
	}
	return picked, nil
}

func (b *Balancer) roundRobin(serviceName string, candidates []*types.ServiceInstance) *types.ServiceInstance {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.cursors[serviceName] % len(candidates)
	b.cursors[serviceName] = (idx + 1) % len(candidates)
	return candidates[idx]
}

func leastConnections(candidates []*types.ServiceInstance) *types.ServiceInstance {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ConnectionCount < best.ConnectionCount {
			best = c
		}
	}
	return best
}

func weighted(candidates []*types.ServiceInstance, weights map[string]int) *types.ServiceInstance {
	total := 0
	resolved := make([]int, len(candidates))
	for i, c := range candidates {
		w := 1
		if weights != nil {
			if v, ok := weights[c.InstanceID]; ok && v > 0 {
				w = v
			}
		}
		resolved[i] = w
		total += w
	}

	r := rand.Intn(total) //nolint:gosec // load distribution, not security sensitive
	cum := 0
	for i, w := range resolved {
		cum += w
		if r < cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func ipHash(candidates []*types.ServiceInstance, clientIP string) *types.ServiceInstance {
	idx := int(hashToUint32(clientIP) % uint32(len(candidates)))
	return candidates[idx]
}

type ringEntry struct {
	hash       uint32
	instanceID string
}

const virtualNodesPerInstance = 150

func consistentHash(candidates []*types.ServiceInstance, hashKey string) *types.ServiceInstance {
	ring := make([]ringEntry, 0, len(candidates)*virtualNodesPerInstance)
	byID := make(map[string]*types.ServiceInstance, len(candidates))
	for _, c := range candidates {
		byID[c.InstanceID] = c
		for i := 0; i < virtualNodesPerInstance; i++ {
			h := hashToUint32(fmt.Sprintf("%s:%d", c.InstanceID, i))
			ring = append(ring, ringEntry{hash: h, instanceID: c.InstanceID})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	lookup := hashToUint32(hashKey)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= lookup })
	if idx == len(ring) {
		idx = 0
	}
	return byID[ring[idx].instanceID]
}

// hashToUint32 matches §4.1.1's md5(...)[0..8] as a 32-bit integer: the
// first 4 bytes of the MD5 digest read big-endian.
func hashToUint32(s string) uint32 {
	sum := md5.Sum([]byte(s)) //nolint:gosec // selection hashing, not a security boundary
	return binary.BigEndian.Uint32(sum[0:4])
}

func (b *Balancer) stickySelect(serviceName string, candidates []*types.ServiceInstance, strategy types.SelectionStrategy, selCtx types.SelectionContext) *types.ServiceInstance {
	if selCtx.SessionKey == "" {
		return nil
	}
	sessionID := stickySessionID(selCtx.SessionKey, strategy.Sticky.KeyName)

	b.stickyMu.Lock()
	entry, ok := b.sticky[sessionID]
	b.stickyMu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	for _, c := range candidates {
		if c.InstanceID == entry.instanceID {
			return c
		}
	}
	// mapped instance fell out of the candidate set: fall through to the
	// base algorithm, whose caller will overwrite the mapping.
	return nil
}

func (b *Balancer) rememberSticky(sessionKey string, sticky *types.StickyConfig, instanceID string) {
	if sessionKey == "" {
		return
	}
	sessionID := stickySessionID(sessionKey, sticky.KeyName)
	ttl := sticky.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	b.stickyMu.Lock()
	defer b.stickyMu.Unlock()
	b.sticky[sessionID] = stickyEntry{instanceID: instanceID, expiresAt: time.Now().Add(ttl)}
}

func stickySessionID(sessionKey, keyName string) string {
	sum := md5.Sum([]byte(sessionKey + ":" + keyName)) //nolint:gosec // session affinity hashing, not a security boundary
	return fmt.Sprintf("%x", sum)
}

// Forget removes the round-robin cursor held for a service, used when the
// registry fully drains a service's instances. Sticky-session mappings are
// left in place.
func (b *Balancer) Forget(serviceName string) {
	b.mu.Lock()
	delete(b.cursors, serviceName)
	b.mu.Unlock()
}
