package vaheap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tilemem/kmd"
	"github.com/vkngwrapper/tilemem/memutils"
)

// DefaultBase is the first address of a partition created without an explicit base. Address 0 is reserved
// as the exhaustion sentinel.
const DefaultBase = memutils.PageSize2M

// PartitionOptions describes the heaps of a Partition
type PartitionOptions struct {
	// Base is the first address of the partition. Zero selects DefaultBase.
	Base uint64
	// HeapSizes is the size of each heap, in kmd.HeapIndex order. Heaps are laid out back to back.
	HeapSizes [kmd.HeapCount]uint64
	// Threshold overrides DefaultSizeThreshold
	Threshold uint64
	// ExternallySynchronized disables the heap mutexes
	ExternallySynchronized bool
}

// Partition is a device's GPU virtual address space split into heaps
type Partition struct {
	heaps [kmd.HeapCount]*Heap
}

var _ kmd.AddressHeap = &Partition{}

func heapAlignment(heap kmd.HeapIndex) uint64 {
	if heap == kmd.HeapStandard64KB {
		return memutils.PageSize64K
	}
	return memutils.PageSize
}

func NewPartition(options PartitionOptions) (*Partition, error) {
	base := options.Base
	if base == 0 {
		base = DefaultBase
	}

	threshold := options.Threshold
	if threshold == 0 {
		threshold = DefaultSizeThreshold
	}

	partition := &Partition{}
	for index := 0; index < kmd.HeapCount; index++ {
		heapIndex := kmd.HeapIndex(index)
		alignment := heapAlignment(heapIndex)
		size := options.HeapSizes[index]

		if !memutils.IsAligned(base, alignment) || !memutils.IsAligned(size, alignment) {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "heap %s at %#x with size %#x is not aligned to %#x", heapIndex, base, size, alignment)
		}

		partition.heaps[index] = NewHeap(base, size, alignment, threshold, !options.ExternallySynchronized)
		base += size
	}

	return partition, nil
}

func (p *Partition) Heap(heap kmd.HeapIndex) *Heap {
	if heap < 0 || int(heap) >= kmd.HeapCount {
		return nil
	}
	return p.heaps[heap]
}

func (p *Partition) HeapAllocate(heap kmd.HeapIndex, size uint64) uint64 {
	h := p.Heap(heap)
	if h == nil {
		return 0
	}

	return h.Allocate(size)
}

func (p *Partition) HeapFree(address uint64, size uint64) {
	for _, heap := range p.heaps {
		if heap.Contains(address) {
			heap.Free(address, size)
			return
		}
	}

	panic(errors.Wrapf(memutils.ErrUnrecoverable, "address %#x does not belong to any heap", address))
}
