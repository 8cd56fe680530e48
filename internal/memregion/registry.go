// Package memregion implements the named memory registry (C2): a
// bootstrap-populated, read-only-at-steady-state table mapping a region
// name to the frame backing it, the access mask applications may request,
// and whether the region is cache-enabled and physically contiguous.
//
// Grounded on original_source's Named_memory_regions_t: regions are added
// once during bootstrap (prepare_named_memory_regions) and only looked up
// by name afterward, by C6/C7 and never mutated concurrently.
package memregion

import (
	"github.com/wrm-go/alpha/internal/abi"
)

// Region is one named memory region.
type Region struct {
	Name     string
	Location abi.Frame
	Access   abi.AccessMask
	Cached   bool
	Contig   bool
}

// Registry holds every named region known to the broker.
type Registry struct {
	byName map[string]Region
	order  []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]Region)}
}

// Add registers a region. It returns an error if a region of that name
// already exists, mirroring the already-exists class spec.md's error
// table defines.
func (r *Registry) Add(region Region) error {
	if _, exists := r.byName[region.Name]; exists {
		return ErrAlreadyExists
	}
	r.byName[region.Name] = region
	r.order = append(r.order, region.Name)
	return nil
}

// Lookup returns the region registered under name, if any.
func (r *Registry) Lookup(name string) (Region, bool) {
	region, ok := r.byName[name]
	return region, ok
}

// Names returns every registered region name in registration order, for
// diagnostics.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// regErr is a sentinel error type local to this package.
type regErr string

func (e regErr) Error() string { return string(e) }

// ErrAlreadyExists is returned by Add when the name is already registered.
const ErrAlreadyExists regErr = "memregion: region already exists"
