package tunnel

import (
	"errors"
	"math"
	"sync"
)

var ErrNoAvailablePorts = errors.New("no free tunnel listen ports available")

// PortAllocator hands out tunnel listen ports in strictly increasing order.
// A port is never handed out twice, even if the tunnel using it failed to
// come up.
type PortAllocator struct {
	mu sync.Mutex

	next      uint32
	allocated uint64
}

func NewPortAllocator(start uint16) *PortAllocator {
	return &PortAllocator{next: uint32(start)}
}

func (p *PortAllocator) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next > math.MaxUint16 {
		return 0, ErrNoAvailablePorts
	}
	port := uint16(p.next)
	p.next++
	p.allocated++
	return port, nil
}

// Next returns the port the next Allocate call will hand out.
func (p *PortAllocator) Next() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint16(p.next)
}

func (p *PortAllocator) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
