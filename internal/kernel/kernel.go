// Package kernel exposes the privileged L4-family kernel calls the broker
// and bootstrap code need as a Go interface, so the steady-state loop can
// be driven by a real kernel (Real) or an in-memory simulator (Sim) used
// by tests and by cmd/alpha -simulate.
package kernel

import (
	"context"
	"fmt"

	"github.com/wrm-go/alpha/internal/abi"
)

// Message is one IPC message: the tag word plus its message registers.
type Message struct {
	Tag abi.MsgTag
	MR  [abi.MaxMR]uint64
}

// Kernel is the set of privileged operations the root task performs.
// Receive/Send are the IPC primitives; the rest are the privileged system
// calls spec.md §6 names.
type Kernel interface {
	// Receive blocks for a message from any sender, with no timeout,
	// exactly as spec.md §5's "suspension point (a)" describes.
	Receive(ctx context.Context) (from abi.ThreadID, msg Message, err error)

	// Send delivers msg to to, blocking with no timeout ("suspension
	// point (b)").
	Send(ctx context.Context, to abi.ThreadID, msg Message) error

	// ThreadControl creates or modifies a thread: its address space,
	// scheduler, pager, and UTCB location.
	ThreadControl(target abi.ThreadID, space, scheduler, pager abi.ThreadID, utcbLoc uint64) error

	// ExchangeRegisters sets a thread's instruction pointer and stack
	// pointer, used to start a freshly created thread running.
	ExchangeRegisters(target abi.ThreadID, ip, sp uint64) error

	// Schedule sets a thread's priority, the L4-family Schedule syscall's
	// role alongside ThreadControl/ExchangeRegisters when starting a
	// freshly created thread.
	Schedule(target abi.ThreadID, prio uint8) error

	// MemoryControl applies attr (e.g. AttrNotCached) to every fpage in
	// fpages.
	MemoryControl(fpages []abi.Fpage, attr MemAttr) error

	// SystemClock returns the kernel's monotonic clock, used historically
	// for key generation (see internal/threadreg, which now prefers a
	// cryptographic RNG but keeps this available).
	SystemClock() uint64

	// DebugBreak traps into the kernel debugger. It is called for broker-
	// internal failures that spec.md classifies as unrecoverable; callers
	// must not expect it to return.
	DebugBreak(reason string)
}

// MemAttr is an attribute applied via MemoryControl.
type MemAttr uint32

const (
	AttrCached   MemAttr = 0
	AttrNotCached MemAttr = 1
)

// Error wraps a failed kernel call with the operation that failed, in the
// same structured-error spirit as a driver's Op/Code/Inner error type.
type Error struct {
	Op   string
	Errno error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kernel: %s: %v", e.Op, e.Errno)
}

func (e *Error) Unwrap() error {
	return e.Errno
}
