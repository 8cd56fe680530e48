package alpha

import (
	"sync"

	"github.com/wrm-go/alpha/internal/abi"
)

// MockResolver is a test double for appreg.AddressSpaceResolver: a fixed
// table of vaddr ranges to frames, with call tracking, the same
// "implements the interface and records every call" shape as a mock
// storage backend built for driver unit tests.
type MockResolver struct {
	mu      sync.Mutex
	ranges  []mockRange
	calls   int
	lastArg struct {
		vaddr, length uint64
		access        abi.AccessMask
	}
}

type mockRange struct {
	base, length uint64
	frame        abi.Frame
}

// NewMockResolver returns an empty resolver; use Map to add coverage.
func NewMockResolver() *MockResolver {
	return &MockResolver{}
}

// Map registers that [base, base+length) resolves to frame.
func (r *MockResolver) Map(base, length uint64, frame abi.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = append(r.ranges, mockRange{base: base, length: length, frame: frame})
}

// Resolve implements appreg.AddressSpaceResolver.
func (r *MockResolver) Resolve(vaddr, length uint64, access abi.AccessMask) (abi.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastArg.vaddr, r.lastArg.length, r.lastArg.access = vaddr, length, access

	for _, rg := range r.ranges {
		if vaddr >= rg.base && vaddr+length <= rg.base+rg.length {
			return rg.frame, true
		}
	}
	return abi.Frame{}, false
}

// Calls returns how many times Resolve has been invoked.
func (r *MockResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
