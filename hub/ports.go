package hub

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator tracks which TCP ports the hub has claimed for its services
// and verifies a port is actually free before handing it out. Config
// validation already rejects duplicate configured ports; this catches ports
// held by something outside the hub.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]string
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{reserved: make(map[int]string)}
}

// Reserve claims port for service. Fails if another service holds it or the
// port is in use on the host.
func (p *PortAllocator) Reserve(port int, service string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if holder, ok := p.reserved[port]; ok {
		return fmt.Errorf("port %d already reserved by %s", port, holder)
	}
	if err := probePort(port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}
	p.reserved[port] = service
	return nil
}

// Release frees a reservation. Releasing an unreserved port is a no-op.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, port)
}

// Holder returns which service reserved port, if any.
func (p *PortAllocator) Holder(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	holder, ok := p.reserved[port]
	return holder, ok
}

// probePort test-binds the port and releases it immediately.
func probePort(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}
