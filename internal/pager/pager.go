// Package pager implements the pager core (C6): resolves a page fault by
// consulting the caller's application's address-space resolver and
// synthesizing a single typed map item, or signals a fatal policy
// violation on a resolution miss — grounded on original_source's
// process_pfault, which extracts (addr, inst, access) from the message
// registers and replies with label 0.
package pager

import (
	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/appreg"
)

// ErrResolutionMiss is returned by Resolve when the application's
// address-space resolver cannot cover the fault. Callers must treat this
// as fatal (spec.md §4.6: "the broker breaks into the kernel debugger
// rather than returning"), not as a retryable error.
var ErrResolutionMiss = resolveErr("pager: resolver miss")

type resolveErr string

func (e resolveErr) Error() string { return string(e) }

// Resolve resolves a page fault in app's address space into a single
// typed map item covering at least one word at fault.Addr with the
// requested access.
func Resolve(app *appreg.App, fault abi.FaultInfo) (abi.MapItem, error) {
	const minCoverage = 8 // one word, matching the machine's register width
	frame, ok := app.Resolver.Resolve(fault.Addr, minCoverage, fault.Access)
	if !ok {
		return abi.MapItem{}, ErrResolutionMiss
	}
	return abi.MapItem{
		Fpage: abi.Fpage{
			Base:     frame.Base,
			SizeLog2: frame.SizeLog2,
			Access:   fault.Access,
		},
		SndBase: fault.Addr &^ (frame.Size() - 1),
	}, nil
}
