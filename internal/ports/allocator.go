// Package ports allocates instance listen ports from a bounded
// administrative range.
package ports

import (
	"fmt"
	"net"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// Allocator scans a fixed range for a free port. The caller supplies the
// exclusion set (ports claimed by existing records) from a fresh store read;
// the allocator additionally bind-probes each candidate so ports held by
// unrelated host processes are skipped too.
type Allocator struct {
	low  int
	high int
}

func NewAllocator(low, high int) *Allocator {
	return &Allocator{low: low, high: high}
}

// Range returns the administrative port bounds.
func (a *Allocator) Range() (int, int) { return a.low, a.high }

// Contains reports whether port falls inside the administrative range.
func (a *Allocator) Contains(port int) bool {
	return port >= a.low && port <= a.high
}

// Allocate returns the lowest port in the range that is neither excluded nor
// currently bound on the host. The caller must hold the creation lock from
// exclusion-set read through record persistence.
func (a *Allocator) Allocate(exclude map[int]bool) (int, error) {
	for port := a.low; port <= a.high; port++ {
		if exclude[port] {
			continue
		}
		if !portAvailable(port) {
			continue
		}
		return port, nil
	}
	return 0, domain.E(domain.ErrPortsExhausted,
		fmt.Sprintf("no free port in range %d-%d", a.low, a.high))
}

func portAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
