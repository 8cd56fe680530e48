package apploader

import (
	"context"
	"fmt"

	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/appreg"
	"github.com/wrm-go/alpha/internal/config"
	"github.com/wrm-go/alpha/internal/constants"
	"github.com/wrm-go/alpha/internal/elf"
	"github.com/wrm-go/alpha/internal/kernel"
	"github.com/wrm-go/alpha/internal/memregion"
	"github.com/wrm-go/alpha/internal/mempool"
	"github.com/wrm-go/alpha/internal/ramfs"
)

// vmRange is one entry in a VMResolver's coverage table: a contiguous
// virtual-address window backed by one frame.
type vmRange struct {
	base, length uint64
	frame        abi.Frame
	access       abi.AccessMask
}

// VMResolver tracks one application's virtual memory objects - its
// code/data/bss/stack/UTCB mappings and any named regions attached to it
// - and implements appreg.AddressSpaceResolver over that table. spec.md
// §4.4 treats the resolver as an external black-box predicate; this is
// the concrete implementation original_source leaves unspecified
// (its Generic_space per-app VM-object list is out of scope, per
// SPEC_FULL.md §6.3).
type VMResolver struct {
	ranges []vmRange
}

// NewVMResolver returns an empty resolver.
func NewVMResolver() *VMResolver {
	return &VMResolver{}
}

// Map records that [base, base+length) is backed by frame with access.
func (r *VMResolver) Map(base, length uint64, frame abi.Frame, access abi.AccessMask) {
	r.ranges = append(r.ranges, vmRange{base: base, length: length, frame: frame, access: access})
}

// Resolve implements appreg.AddressSpaceResolver: linear scan over the
// app's mapped ranges in mapping order; the first matching range wins.
func (r *VMResolver) Resolve(vaddr, length uint64, access abi.AccessMask) (abi.Frame, bool) {
	for _, rg := range r.ranges {
		if vaddr >= rg.base && vaddr+length <= rg.base+rg.length && rg.access.Contains(access) {
			offset := vaddr - rg.base
			return abi.Frame{Base: rg.frame.Base + offset, SizeLog2: frameSizeLog2For(length)}, true
		}
	}
	return abi.Frame{}, false
}

// frameSizeLog2For returns the smallest page-aligned size covering
// length, the same minimum-coverage convention internal/pager.Resolve
// requests.
func frameSizeLog2For(length uint64) uint8 {
	sl := uint8(12) // constants.PageSize's log2
	for (uint64(1) << sl) < length {
		sl++
	}
	return sl
}

// Spawned is the result of spawning one application: its app record (not
// yet registered) and its first thread's id.
type Spawned struct {
	App          *appreg.App
	FirstThread  abi.ThreadID
	Resolver     *VMResolver
}

// SpawnApp loads cfg's ELF image from fs, allocates frames for its
// segments, stack, and UTCB area out of pool, builds the app's
// VMResolver, and creates its first thread via ThreadControl +
// ExchangeRegisters - the thread-creation helper spec.md §1 names,
// grounded on original_source's per-app spawn loop (the block iterating
// app_config()->apps_begin(), computing app_first_thread_num as a
// running total of each app's max_threads). The segments' file bytes are
// not copied into the allocated frames; only the frames are reserved and
// recorded in the resolver.
func SpawnApp(ctx context.Context, k kernel.Kernel, rootID abi.ThreadID, cfg config.App, fs *ramfs.FS, pool *mempool.Pool, firstThreadNo uint32) (*Spawned, error) {
	raw, err := fs.Get(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("apploader: spawn %q: %w", cfg.Name, err)
	}
	img, err := elf.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("apploader: spawn %q: load image: %w", cfg.Name, err)
	}

	resolver := NewVMResolver()
	for _, seg := range img.Segments {
		frame, ok := pool.Allocate(pageRound(seg.MemSize))
		if !ok {
			return nil, fmt.Errorf("apploader: spawn %q: allocate 0x%x bytes for segment at 0x%x", cfg.Name, seg.MemSize, seg.VAddr)
		}
		resolver.Map(seg.VAddr, seg.MemSize, frame, seg.Access)
	}

	stackFrame, ok := pool.Allocate(pageRound(cfg.StackSize))
	if !ok {
		return nil, fmt.Errorf("apploader: spawn %q: allocate 0x%x byte stack", cfg.Name, cfg.StackSize)
	}
	const stackBase = 0x7f000000 // fixed per-app stack window; no ASLR in this root task
	resolver.Map(stackBase, cfg.StackSize, stackFrame, abi.AccessRead|abi.AccessWrite)

	utcbFrame, ok := pool.Allocate(constants.PageSize)
	if !ok {
		return nil, fmt.Errorf("apploader: spawn %q: allocate UTCB page", cfg.Name)
	}
	const utcbBase = 0x7e000000
	resolver.Map(utcbBase, constants.PageSize, utcbFrame, abi.AccessRead|abi.AccessWrite)

	mainID := abi.ThreadID{Number: firstThreadNo + appreg.ReservedMain, Version: 1}
	if err := k.ThreadControl(mainID, rootID, rootID, rootID, utcbBase); err != nil {
		return nil, fmt.Errorf("apploader: spawn %q: thread_control: %w", cfg.Name, err)
	}
	if err := k.ExchangeRegisters(mainID, img.Entry, stackBase+cfg.StackSize); err != nil {
		return nil, fmt.Errorf("apploader: spawn %q: exchange_registers: %w", cfg.Name, err)
	}

	app := &appreg.App{
		Name:              cfg.Name,
		ShortName:         cfg.ShortName,
		ImagePath:         cfg.FilePath,
		StackSize:         cfg.StackSize,
		MaxThreads:        cfg.ThreadsMax,
		MaxPriority:       cfg.PrioMax,
		FPU:               cfg.FPU,
		PermittedDevices:  toSet(cfg.Devices),
		PermittedMemories: toSet(cfg.Memory),
		Args:              cfg.Args,
		FirstThreadNo:     firstThreadNo,
		UTCBArea:          abi.Fpage{Base: utcbBase, SizeLog2: 12, Access: abi.AccessRead | abi.AccessWrite},
		Resolver:          resolver,
	}

	return &Spawned{App: app, FirstThread: mainID, Resolver: resolver}, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func pageRound(size uint64) uint64 {
	if size == 0 {
		return constants.PageSize
	}
	return (size + constants.PageSize - 1) &^ (constants.PageSize - 1)
}

// AttachNamedRegions grants an application access to every named region
// it lists under its "memory" config key by mapping each into the app's
// VMResolver at the region's own physical address, so a later
// GET_NAMED_MEM or page-fault resolving into that window succeeds. This
// supplements original_source, which hands named regions to applications
// only via the GET_NAMED_MEM IPC at runtime; mapping them into the
// resolver here lets an application that already knows the physical
// layout (e.g. one built against this root task specifically) fault them
// in directly too.
func AttachNamedRegions(sp *Spawned, cfg config.App, regions *memregion.Registry) error {
	for _, name := range cfg.Memory {
		region, ok := regions.Lookup(name)
		if !ok {
			return fmt.Errorf("apploader: app %q references unknown named memory %q", cfg.Name, name)
		}
		sp.Resolver.Map(region.Location.Base, region.Location.Size(), region.Location, region.Access)
	}
	return nil
}
