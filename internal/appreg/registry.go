// Package appreg implements the application registry (C4): one record per
// spawned application holding its capability sets, its thread-number
// range and allocator, its address-space resolver, and the lookup used on
// every request to identify the caller's application.
package appreg

import (
	"github.com/wrm-go/alpha/internal/abi"
)

// Reserved thread indices within an application's range: 0 is the app's
// pager-facing thread, 1 is its main thread.
const (
	ReservedPager = 0
	ReservedMain  = 1
)

// AddressSpaceResolver maps a virtual address and access request in an
// application's address space to a local frame handle. The broker treats
// it as an external black-box predicate (it tracks code/data/bss/stack/
// UTCB/named-region mappings) and reports a miss as a fatal pager failure.
type AddressSpaceResolver interface {
	Resolve(vaddr uint64, length uint64, access abi.AccessMask) (abi.Frame, bool)
}

// App is one application's record.
type App struct {
	Name              string
	ShortName         string
	ImagePath         string
	StackSize         uint64
	MaxThreads        uint32
	MaxPriority       uint8
	FPU               bool
	PermittedDevices  map[string]bool
	PermittedMemories map[string]bool
	Args              []string
	FirstThreadNo     uint32
	UTCBArea          abi.Fpage
	Resolver          AddressSpaceResolver

	allocated []bool // bit-set over [0, MaxThreads), indexed relative to FirstThreadNo
}

// End returns the exclusive upper bound of the app's thread-number range.
func (a *App) End() uint32 {
	return a.FirstThreadNo + a.MaxThreads
}

// Contains reports whether a global thread number falls in this app's
// range.
func (a *App) Contains(threadNo uint32) bool {
	return threadNo >= a.FirstThreadNo && threadNo < a.End()
}

// PermitsDevice reports whether the app may request the named device.
func (a *App) PermitsDevice(name string) bool {
	return a.PermittedDevices[name]
}

// PermitsMemory reports whether the app may request the named region.
func (a *App) PermitsMemory(name string) bool {
	return a.PermittedMemories[name]
}

// Registry is the ordered set of every spawned application.
type Registry struct {
	apps []*App
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register adds app to the registry, reserving thread indices 0 and 1
// (pager and main thread) as already allocated. It returns an error if
// the app's thread-number range overlaps any already-registered app's
// range, preserving the partition invariant spec.md's data model
// requires.
func (r *Registry) Register(a *App) error {
	for _, existing := range r.apps {
		if rangesOverlap(a.FirstThreadNo, a.End(), existing.FirstThreadNo, existing.End()) {
			return ErrRangeOverlap
		}
	}
	a.allocated = make([]bool, a.MaxThreads)
	if a.MaxThreads > ReservedPager {
		a.allocated[ReservedPager] = true
	}
	if a.MaxThreads > ReservedMain {
		a.allocated[ReservedMain] = true
	}
	r.apps = append(r.apps, a)
	return nil
}

// Apps returns every registered application, in registration order.
func (r *Registry) Apps() []*App {
	out := make([]*App, len(r.apps))
	copy(out, r.apps)
	return out
}

// LookupByCaller finds the unique application whose thread-number
// interval contains id.Number. A linear scan, as spec.md's §4.4 requires
// no more than O(#apps) here.
func (r *Registry) LookupByCaller(id abi.ThreadID) (*App, bool) {
	for _, a := range r.apps {
		if a.Contains(id.Number) {
			return a, true
		}
	}
	return nil, false
}

// AllocThrNo returns the lowest free thread index in app's range, marking
// it allocated. It returns ok=false if every index is in use.
func AllocThrNo(a *App) (uint32, bool) {
	for i, used := range a.allocated {
		if !used {
			a.allocated[i] = true
			return a.FirstThreadNo + uint32(i), true
		}
	}
	return 0, false
}

// MaxPrio returns the app's configured maximum thread priority.
func MaxPrio(a *App) uint8 {
	return a.MaxPriority
}

// ClampPriority clamps a requested priority to the app's maximum.
func ClampPriority(a *App, requested uint8) uint8 {
	if requested > a.MaxPriority {
		return a.MaxPriority
	}
	return requested
}

func rangesOverlap(aBegin, aEnd, bBegin, bEnd uint32) bool {
	return aBegin < bEnd && bBegin < aEnd
}

type regErr string

func (e regErr) Error() string { return string(e) }

// ErrRangeOverlap is returned by Register when the new app's thread-number
// range overlaps an already-registered app's range.
const ErrRangeOverlap regErr = "appreg: thread-number range overlaps an existing application"
