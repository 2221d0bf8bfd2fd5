package gating

import (
	"hash/fnv"
	"sync"
)

// stripeCount is fixed; admission volume for a single instrument never needs
// more.
const stripeCount = 16

// SymbolLocks serializes gating and persistence per symbol via lock striping.
// The stripe is held from the start of gating until the admission is
// persisted and tracked, or the rejection snapshot is persisted.
type SymbolLocks struct {
	stripes [stripeCount]sync.Mutex
}

// NewSymbolLocks creates the striped lock set
func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{}
}

// Lock acquires the stripe for a symbol and returns its unlock function
func (s *SymbolLocks) Lock(symbol string) func() {
	stripe := &s.stripes[stripeFor(symbol)]
	stripe.Lock()
	return stripe.Unlock
}

func stripeFor(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32() % stripeCount
}
