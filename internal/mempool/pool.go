// Package mempool implements the physical memory pool (C1): a
// size-bucketed free-list of power-of-two sized, aligned frames, grounded
// on the same size-bucketed sync.Pool discipline a block-device driver
// uses to avoid hot-path allocation, generalized here to support splitting
// a larger frame to satisfy a smaller request. Released frames return to
// their own size bucket without merging back into larger buddies; no
// dynamic memory reclamation is in scope.
package mempool

import (
	"math/bits"

	"github.com/wrm-go/alpha/internal/abi"
)

// MinSizeLog2 is the smallest frame size the pool will hand out, matching
// the architecture's page size (4KiB).
const MinSizeLog2 = 12

// MaxSizeLog2 bounds the largest single bucket the pool tracks (4GiB),
// matching the largest single grant a primordial pager will make in one
// reply.
const MaxSizeLog2 = 32

// Pool is a size-bucketed free-list of frames. It is populated once during
// bootstrap and then consulted only by the single-threaded broker loop, so
// it carries no internal locking: see spec.md's concurrency model.
type Pool struct {
	buckets   [MaxSizeLog2 + 1][]abi.Frame
	totalSize uint64
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Add donates a frame to the pool. The frame must already be aligned to
// its own size; Add panics otherwise since a misaligned frame indicates a
// bootstrap bug, not a runtime condition a caller can recover from.
func (p *Pool) Add(f abi.Frame) {
	if !f.Aligned() {
		panic("mempool: frame is not aligned to its own size")
	}
	if int(f.SizeLog2) > MaxSizeLog2 {
		panic("mempool: frame exceeds MaxSizeLog2")
	}
	p.buckets[f.SizeLog2] = append(p.buckets[f.SizeLog2], f)
	p.totalSize += f.Size()
}

// TotalSize returns the sum of every frame currently held by the pool,
// including ones later split out of a donated larger frame.
func (p *Pool) TotalSize() uint64 {
	return p.totalSize
}

// Allocate removes and returns a frame of exactly the requested size,
// splitting a larger bucket's frame in half repeatedly if no exact match
// is free. It returns ok=false if no frame of at least that size is
// available anywhere in the pool.
func (p *Pool) Allocate(size uint64) (abi.Frame, bool) {
	want := sizeLog2(size)
	if want < MinSizeLog2 {
		want = MinSizeLog2
	}
	if int(want) > MaxSizeLog2 {
		return abi.Frame{}, false
	}

	if n := len(p.buckets[want]); n > 0 {
		f := p.buckets[want][n-1]
		p.buckets[want] = p.buckets[want][:n-1]
		p.totalSize -= f.Size()
		return f, true
	}

	// No exact match: find the smallest larger bucket with a free frame
	// and split it down, returning the unused halves to their buckets.
	for sl := int(want) + 1; sl <= MaxSizeLog2; sl++ {
		n := len(p.buckets[sl])
		if n == 0 {
			continue
		}
		f := p.buckets[sl][n-1]
		p.buckets[sl] = p.buckets[sl][:n-1]
		p.totalSize -= f.Size()

		for cur := uint8(sl); cur > want; cur-- {
			half := abi.Frame{Base: f.Base, SizeLog2: cur - 1}
			buddy := abi.Frame{Base: f.Base + half.Size(), SizeLog2: cur - 1}
			p.Add(buddy)
			f = half
		}
		return f, true
	}
	return abi.Frame{}, false
}

// Free returns a frame to the pool. It does not attempt buddy-merging:
// spec.md's Non-goals exclude dynamic memory reclamation, so Free exists
// for symmetry and tests, not for the steady-state broker loop.
func (p *Pool) Free(f abi.Frame) {
	p.Add(f)
}

// sizeLog2 returns the smallest power of two (as a log2 exponent) that is
// >= size.
func sizeLog2(size uint64) uint8 {
	if size <= 1 {
		return 0
	}
	return uint8(bits.Len64(size - 1))
}
