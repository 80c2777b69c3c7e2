package lifecycle

import (
	"sync"

	"github.com/forgehook/forgehook/internal/errs"
)

// PortAllocator hands out host ports from an inclusive range. It is safe for
// concurrent use.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]bool
}

// NewPortAllocator creates an allocator over [start, end].
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start: start,
		end:   end,
		used:  make(map[int]bool),
	}
}

// Allocate reserves the lowest free port in the range.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port <= p.end; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, errs.Newf(errs.CodeConflict, "port range %d-%d exhausted", p.start, p.end)
}

// Release frees a previously allocated port.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// MarkAllocated records a port as in use, used when reconciling persisted
// instances at boot. Ports outside the range are recorded too so adopted
// containers never collide.
func (p *PortAllocator) MarkAllocated(port int) {
	if port <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[port] = true
}

// InUse reports whether a port is currently allocated.
func (p *PortAllocator) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[port]
}
