// Package apploader is the thread-creation helper library spec.md §1
// names ("wraps the kernel's ThreadControl/ExchangeRegisters") and the
// bootstrap sequencer that populates C1-C4 before internal/broker's
// Serve loop starts: acquiring all physical memory and I/O space from
// the primordial pager, preparing named memory regions, and spawning
// each configured application as an isolated task.
//
// Grounded on original_source's bootstrap sequence in app/alpha/main.cpp
// (get_memory_from_sigma0, get_iospace_from_sigma0,
// prepare_named_memory_regions, and the per-app spawn loop), reimplemented
// against this repository's internal/kernel.Kernel interface instead of
// direct L4 IPC calls so it can run against either internal/kernel.Real
// or internal/kernel.Sim.
package apploader

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/config"
	"github.com/wrm-go/alpha/internal/constants"
	"github.com/wrm-go/alpha/internal/kernel"
	"github.com/wrm-go/alpha/internal/logging"
	"github.com/wrm-go/alpha/internal/memregion"
	"github.com/wrm-go/alpha/internal/mempool"
)

// Sigma0 is the well-known thread id of the primordial pager:
// user_base()+0 in original_source's numbering (the root task is +1). In
// this repository the caller supplies the concrete id since it depends
// on the kernel's configured thread-number base.
type Sigma0 struct {
	ID abi.ThreadID
}

// requestFpage sends a single Sigma0-protocol request for fpage and
// waits for the reply, mirroring original_source's
// get_memory_from_sigma0/do_iospace_request request/reply shape: two
// untyped words out (the requested fpage, then a reserved attribute
// word), one typed map item back. A reply whose map item is nil with a
// zero send-base is a "map reject" - the pager declined the request, not
// a transport failure.
func requestFpage(ctx context.Context, k kernel.Kernel, sigma0 abi.ThreadID, fpage abi.Fpage) (abi.Fpage, bool, error) {
	var req kernel.Message
	req.Tag = abi.MsgTag{ProtoLabel: abi.ProtoLabelSigma0, Untyped: 2}
	w0, w1 := fpage.Raw()
	req.MR[0] = w0
	req.MR[1] = w1

	if err := k.Send(ctx, sigma0, req); err != nil {
		return abi.Fpage{}, false, fmt.Errorf("apploader: send to sigma0: %w", err)
	}
	from, reply, err := k.Receive(ctx)
	if err != nil {
		return abi.Fpage{}, false, fmt.Errorf("apploader: receive from sigma0: %w", err)
	}
	if from != sigma0 {
		return abi.Fpage{}, false, fmt.Errorf("apploader: reply from unexpected sender %v, want sigma0 %v", from, sigma0)
	}
	item := abi.UnpackMapItem(reply.MR[:], 0)
	if item.Fpage.Base == 0 && item.Fpage.SizeLog2 == 0 && item.SndBase == 0 {
		return abi.Fpage{}, false, nil // map reject
	}
	return item.Fpage, true, nil
}

// AcquireAllMemory repeatedly requests memory from the primordial pager,
// starting at startSizeLog2 and halving on each rejection, donating every
// granted frame to pool, until even a single page is refused - mirroring
// original_source's get_memory_from_sigma0 halving loop exactly (spec.md
// §3's memory-pool bootstrap rule).
func AcquireAllMemory(ctx context.Context, k kernel.Kernel, sigma0 abi.ThreadID, pool *mempool.Pool, startSizeLog2 uint8, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	sizeLog2 := startSizeLog2
	for {
		fpage, ok, err := requestFpage(ctx, k, sigma0, abi.Fpage{SizeLog2: sizeLog2, Access: abi.AccessRead | abi.AccessWrite | abi.AccessExecute})
		if err != nil {
			return err
		}
		if !ok {
			if sizeLog2 == mempool.MinSizeLog2 {
				break
			}
			sizeLog2--
			time.Sleep(constants.PrimordialPagerRetryDelay)
			continue
		}
		pool.Add(abi.Frame{Base: fpage.Base, SizeLog2: fpage.SizeLog2})
	}
	logger.Info("acquired memory from primordial pager", "total_bytes", pool.TotalSize())
	return nil
}

// AcquireIOSpace requests I/O-space rights for every page of every
// configured device's MMIO window and marks each uncached, mirroring
// original_source's get_iospace_from_sigma0/do_iospace_request, which
// walks each device's range page by page rather than as one large
// request (I/O space grants are page-granular in the protocol).
func AcquireIOSpace(ctx context.Context, k kernel.Kernel, sigma0 abi.ThreadID, devices []config.Device, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	for _, dev := range devices {
		first := dev.PA &^ (constants.PageSize - 1)
		last := (dev.PA + dev.Size - 1) &^ (constants.PageSize - 1)
		for pa := first; pa <= last; pa += constants.PageSize {
			fpage := abi.Fpage{Base: pa, SizeLog2: uint8(bits.TrailingZeros64(constants.PageSize)), Access: abi.AccessRead | abi.AccessWrite}
			got, ok, err := requestFpage(ctx, k, sigma0, fpage)
			if err != nil {
				return fmt.Errorf("apploader: iospace request for %q at 0x%x: %w", dev.Name, pa, err)
			}
			if !ok {
				return fmt.Errorf("apploader: sigma0 rejected iospace for %q at 0x%x", dev.Name, pa)
			}
			if err := k.MemoryControl([]abi.Fpage{got}, kernel.AttrNotCached); err != nil {
				return fmt.Errorf("apploader: MemoryControl(NotCached) for %q at 0x%x: %w", dev.Name, pa, err)
			}
		}
		logger.Debug("acquired iospace", "device", dev.Name, "pa", dev.PA, "size", dev.Size)
	}
	return nil
}

// PrepareNamedRegions allocates and attributes every MEMORY-section
// region from pool, marking cached=0 regions NotCached exactly once, and
// registers each into regions - grounded on
// original_source's prepare_named_memory_regions.
func PrepareNamedRegions(ctx context.Context, k kernel.Kernel, mems []config.Memory, pool *mempool.Pool, regions *memregion.Registry) error {
	for _, m := range mems {
		if m.Size%constants.PageSize != 0 {
			return fmt.Errorf("apploader: named memory %q size 0x%x is not page-aligned", m.Name, m.Size)
		}
		frame, ok := pool.Allocate(m.Size)
		if !ok {
			return fmt.Errorf("apploader: could not allocate 0x%x bytes for named memory %q", m.Size, m.Name)
		}
		access := accessFromConfig(m.Access)

		if !m.Cached {
			fpage := abi.Fpage{Base: frame.Base, SizeLog2: frame.SizeLog2, Access: access}
			if err := k.MemoryControl([]abi.Fpage{fpage}, kernel.AttrNotCached); err != nil {
				return fmt.Errorf("apploader: MemoryControl(NotCached) for %q: %w", m.Name, err)
			}
		}

		if err := regions.Add(memregion.Region{
			Name:     m.Name,
			Location: frame,
			Access:   access,
			Cached:   m.Cached,
			Contig:   m.Contig,
		}); err != nil {
			return fmt.Errorf("apploader: register named memory %q: %w", m.Name, err)
		}
	}
	return nil
}

func accessFromConfig(a config.Access) abi.AccessMask {
	var m abi.AccessMask
	if a&config.AccessR != 0 {
		m |= abi.AccessRead
	}
	if a&config.AccessW != 0 {
		m |= abi.AccessWrite
	}
	return m
}
