package gateway

import (
	"sync"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
)

// PortPool hands out consumer-side listener ports from a closed range.
// A port is never handed out twice while held, and releasing is
// idempotent so teardown paths can release without tracking whether
// someone else already did.
type PortPool struct {
	mu   sync.Mutex
	min  int
	max  int
	used map[int]bool
	next int
}

func NewPortPool(min, max int) *PortPool {
	return &PortPool{
		min:  min,
		max:  max,
		used: make(map[int]bool),
		next: min,
	}
}

// Acquire reserves a free port. Scans at most one full range cycle.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		candidate := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if !p.used[candidate] {
			p.used[candidate] = true
			return candidate, nil
		}
	}
	return 0, pkg.InternalServerError("Gateway port range is exhausted")
}

// Release returns a port to the pool. Ports outside the range and ports
// not currently held are ignored.
func (p *PortPool) Release(port int) {
	if port < p.min || port > p.max {
		return
	}
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}

// InUse reports how many ports are currently held.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
