// Package ippool allocates and releases host addresses within a single
// overlay CIDR block.
package ippool

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrExhaustedPool is returned by Allocate when no unleased host address
// remains in the pool.
var ErrExhaustedPool = errors.New("ippool: exhausted")

// ErrNotInRange is returned when an address outside the pool's CIDR is
// leased or released.
var ErrNotInRange = errors.New("ippool: address not in range")

// ErrReserved is returned when an operation targets a reserved address
// (the network address or the Provider's own host address).
var ErrReserved = errors.New("ippool: address reserved")

// Pool allocates host addresses from a CIDR, reserving the network address
// and the lowest host address (conventionally the Provider's own overlay
// IP) from ever being handed out.
type Pool struct {
	mu     sync.Mutex
	prefix netip.Prefix
	leased map[netip.Addr]struct{}
}

// New creates a Pool over the given CIDR. The network address and the
// lowest host address are reserved automatically.
func New(cidr string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("ippool: parse cidr %q: %w", cidr, err)
	}
	prefix = prefix.Masked()

	p := &Pool{
		prefix: prefix,
		leased: make(map[netip.Addr]struct{}),
	}

	network := prefix.Addr()
	provider := network.Next()
	p.leased[network] = struct{}{}
	p.leased[provider] = struct{}{}

	return p, nil
}

// Reserved reports whether addr is the network address or the Provider's
// reserved host address within this pool's CIDR.
func (p *Pool) Reserved(addr netip.Addr) bool {
	network := p.prefix.Addr()
	return addr == network || addr == network.Next()
}

// Allocate returns the lowest unleased host address in the CIDR, skipping
// reserved addresses. It returns ErrExhaustedPool if none remain.
func (p *Pool) Allocate() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr := p.prefix.Addr(); p.prefix.Contains(addr); addr = addr.Next() {
		if _, leased := p.leased[addr]; leased {
			continue
		}
		p.leased[addr] = struct{}{}
		return addr, nil
	}

	return netip.Addr{}, ErrExhaustedPool
}

// Lease marks addr as leased. If allowIdempotent is false, Lease fails when
// addr is already leased; callers loading persisted state at startup pass
// allowIdempotent=true so re-leasing an already-known address is a no-op.
func (p *Pool) Lease(addr netip.Addr, allowIdempotent bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.prefix.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrNotInRange, addr)
	}
	if p.Reserved(addr) {
		return fmt.Errorf("%w: %s", ErrReserved, addr)
	}

	if _, leased := p.leased[addr]; leased {
		if allowIdempotent {
			return nil
		}
		return fmt.Errorf("ippool: already leased: %s", addr)
	}

	p.leased[addr] = struct{}{}
	return nil
}

// Release returns addr to the pool. Releasing an address that is not
// currently leased, or a reserved address, is a no-op.
func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Reserved(addr) {
		return
	}
	delete(p.leased, addr)
}

// Prefix returns the pool's CIDR.
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}
