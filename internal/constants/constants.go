// Package constants gathers the protocol and configuration limits
// spec.md's external interfaces name, the same role the teacher's
// constants package plays for device defaults and lifecycle timing.
package constants

import "time"

// IPC labels dispatched by internal/broker, as spec.md §4.7 and §6 name
// them.
const (
	LabelMapIO          uint16 = 1
	LabelAttachInt      uint16 = 2
	LabelDetachInt      uint16 = 3
	LabelGetNamedMem    uint16 = 4
	LabelCreateThread   uint16 = 5
	LabelRegisterThread uint16 = 6
	LabelGetThreadID    uint16 = 7
	LabelAppThreads     uint16 = 8
	LabelGetUsualMem    uint16 = 9
)

// PageSize is the architecture page size; the smallest frame the memory
// pool will hand out and the alignment unit for MAP_IO's offset/size
// reply.
const PageSize = 1 << 12

// Configuration grammar limits (spec.md §6): the documented maxima on
// threads_max and prio_max. The per-application device/memory/args list
// limits live in internal/config.
const (
	MaxThreadsPerApp = 64
	MaxPriority      = 255
)

// Bootstrap timing constants, grounded on the same "kernel/udev needs
// time to settle" reasoning the teacher's device-lifecycle delays
// document, retargeted at waiting on the primordial pager and the
// initial application threads instead of a block device node.
const (
	// PrimordialPagerRetryDelay is the pause between successive halved
	// memory requests to the primordial pager during AcquireAllMemory,
	// giving it time to settle its own bookkeeping between requests.
	PrimordialPagerRetryDelay = 10 * time.Millisecond

	// AppSpawnSettleDelay is the pause after creating an application's
	// first thread before spawning the next, avoiding a burst of
	// ThreadControl calls the kernel has not yet scheduled.
	AppSpawnSettleDelay = 5 * time.Millisecond
)
