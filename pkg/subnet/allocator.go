package subnet

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/metrics"
)

// Lease is one /24 carved from a configured pool. Held for the lifetime of a
// session network.
type Lease struct {
	Pool        string
	Index       int
	CIDR        string
	AllocatedAt time.Time
}

type poolState struct {
	cfg       config.SubnetPool
	used      []bool
	usedCount int
	firstFree int
}

// Allocator hands out /24 leases from the configured pools, in declared pool
// order, lowest free index first. All operations serialize on one mutex.
type Allocator struct {
	mu     sync.Mutex
	pools  []*poolState
	byCIDR map[string]*Lease
	logger zerolog.Logger
}

func NewAllocator(pools []config.SubnetPool, logger zerolog.Logger) *Allocator {
	a := &Allocator{
		byCIDR: make(map[string]*Lease),
		logger: logger,
	}
	for _, p := range pools {
		a.pools = append(a.pools, &poolState{
			cfg:  p,
			used: make([]bool, p.Capacity),
		})
	}
	return a
}

// Allocate returns the first free /24, walking pools in declared order.
func (a *Allocator) Allocate() (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pools {
		if p.usedCount == p.cfg.Capacity {
			continue
		}
		for i := p.firstFree; i < p.cfg.Capacity; i++ {
			if p.used[i] {
				continue
			}
			p.used[i] = true
			p.usedCount++
			p.firstFree = i + 1
			lease := &Lease{
				Pool:        p.cfg.Name,
				Index:       i,
				CIDR:        cidrFor(p.cfg, i),
				AllocatedAt: time.Now(),
			}
			a.byCIDR[lease.CIDR] = lease
			metrics.SubnetsLeased.Set(float64(a.usedLocked()))
			return lease, nil
		}
	}
	return nil, errors.New(errors.CodeCapacity, "subnet pools exhausted")
}

// Release returns a lease to its pool. Releasing a lease that is not held is
// a no-op logged at warn level.
func (a *Allocator) Release(lease *Lease) {
	if lease == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.poolByName(lease.Pool)
	if p == nil || lease.Index < 0 || lease.Index >= p.cfg.Capacity || !p.used[lease.Index] {
		a.logger.Warn().Str("cidr", lease.CIDR).Str("pool", lease.Pool).
			Msg("release of lease not held")
		return
	}
	p.used[lease.Index] = false
	p.usedCount--
	if lease.Index < p.firstFree {
		p.firstFree = lease.Index
	}
	delete(a.byCIDR, lease.CIDR)
	metrics.SubnetsLeased.Set(float64(a.usedLocked()))
}

// MarkUsed reserves the /24 containing the given CIDR, if it falls inside a
// configured pool. Used at startup to reconcile against networks that survived
// a previous process. Returns the adopted lease, or nil when the subnet does
// not belong to any pool.
func (a *Allocator) MarkUsed(cidr string) *Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pools {
		for i := 0; i < p.cfg.Capacity; i++ {
			if cidrFor(p.cfg, i) != cidr {
				continue
			}
			if p.used[i] {
				return a.byCIDR[cidr]
			}
			p.used[i] = true
			p.usedCount++
			if p.firstFree == i {
				p.firstFree = i + 1
			}
			lease := &Lease{
				Pool:        p.cfg.Name,
				Index:       i,
				CIDR:        cidr,
				AllocatedAt: time.Now(),
			}
			a.byCIDR[cidr] = lease
			metrics.SubnetsLeased.Set(float64(a.usedLocked()))
			return lease
		}
	}
	return nil
}

// Used returns the number of leases currently held.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedLocked()
}

// Capacity returns the total number of /24s across all pools.
func (a *Allocator) Capacity() int {
	total := 0
	for _, p := range a.pools {
		total += p.cfg.Capacity
	}
	return total
}

func (a *Allocator) usedLocked() int {
	total := 0
	for _, p := range a.pools {
		total += p.usedCount
	}
	return total
}

func (a *Allocator) poolByName(name string) *poolState {
	for _, p := range a.pools {
		if p.cfg.Name == name {
			return p
		}
	}
	return nil
}

func cidrFor(p config.SubnetPool, index int) string {
	third := int(p.Base[2]) + index%256
	second := int(p.Base[1]) + index/256 + third/256
	return fmt.Sprintf("%d.%d.%d.0/24", p.Base[0], second, third%256)
}
