// Package vaheap is a reference GPU virtual address partition. It splits a device's address range into
// the heaps described by kmd.HeapIndex and satisfies kmd.AddressHeap.
package vaheap

import (
	"sort"

	"github.com/vkngwrapper/tilemem/internal/utils"
	"github.com/vkngwrapper/tilemem/memutils"
)

// DefaultSizeThreshold separates small ranges, carved from the top of a heap, from large ranges, carved
// from the bottom
const DefaultSizeThreshold = 4 * memutils.MegaByte

type chunk struct {
	address uint64
	size    uint64
}

// Heap hands out ranges of one contiguous address span. Large ranges grow up from the left bound and small
// ranges grow down from the right bound; freed ranges that do not touch a bound are kept for reuse.
type Heap struct {
	mutex *utils.OptionalMutex

	base      uint64
	size      uint64
	alignment uint64
	threshold uint64

	leftBound  uint64
	rightBound uint64
	available  uint64

	freedSmall []chunk
	freedLarge []chunk
}

// NewHeap creates a heap spanning [base, base+size). alignment must be a power of two.
func NewHeap(base, size, alignment, threshold uint64, useMutex bool) *Heap {
	memutils.DebugCheckPow2(alignment, "alignment")

	return &Heap{
		mutex:      utils.NewOptionalMutex(useMutex),
		base:       base,
		size:       size,
		alignment:  alignment,
		threshold:  threshold,
		leftBound:  base,
		rightBound: base + size,
		available:  size,
	}
}

func (h *Heap) Base() uint64      { return h.base }
func (h *Heap) Limit() uint64     { return h.base + h.size }
func (h *Heap) Alignment() uint64 { return h.alignment }

func (h *Heap) Contains(address uint64) bool {
	return address >= h.base && address < h.base+h.size
}

func (h *Heap) Available() uint64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.available
}

func (h *Heap) Used() uint64 {
	return h.size - h.Available()
}

// Allocate reserves size bytes, rounded up to the heap alignment. It returns 0 when the heap is exhausted.
func (h *Heap) Allocate(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	size = memutils.AlignUp(size, h.alignment)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		address := h.allocateLocked(size)
		if address != 0 {
			h.available -= size
			return address
		}

		if !h.defragmentLocked() {
			break
		}
	}

	return 0
}

func (h *Heap) allocateLocked(size uint64) uint64 {
	if size <= h.threshold {
		address := takeFromFreed(&h.freedSmall, size)
		if address != 0 {
			return address
		}

		if h.rightBound-h.leftBound >= size {
			h.rightBound -= size
			return h.rightBound
		}

		return takeFromFreed(&h.freedLarge, size)
	}

	address := takeFromFreed(&h.freedLarge, size)
	if address != 0 {
		return address
	}

	if h.rightBound-h.leftBound >= size {
		address = h.leftBound
		h.leftBound += size
		return address
	}

	return 0
}

// Free returns a range obtained from Allocate. size must be the size passed to Allocate.
func (h *Heap) Free(address, size uint64) {
	if address == 0 || size == 0 {
		return
	}
	size = memutils.AlignUp(size, h.alignment)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.available += size

	switch {
	case address == h.rightBound:
		h.rightBound += size
		h.defragmentLocked()
	case address+size == h.leftBound:
		h.leftBound -= size
		h.defragmentLocked()
	case size <= h.threshold:
		storeInFreed(&h.freedSmall, address, size)
	default:
		storeInFreed(&h.freedLarge, address, size)
	}
}

// defragmentLocked folds freed chunks that touch a bound back into the free middle of the heap and
// merges adjacent freed chunks. It returns true if anything changed.
func (h *Heap) defragmentLocked() bool {
	changed := false

	all := append(append([]chunk(nil), h.freedSmall...), h.freedLarge...)
	sort.Slice(all, func(i, j int) bool { return all[i].address < all[j].address })

	merged := all[:0]
	for _, c := range all {
		if len(merged) > 0 && merged[len(merged)-1].address+merged[len(merged)-1].size == c.address {
			merged[len(merged)-1].size += c.size
			changed = true
			continue
		}
		merged = append(merged, c)
	}

	for folded := true; folded; {
		folded = false
		for index, c := range merged {
			switch {
			case c.address == h.rightBound:
				h.rightBound += c.size
			case c.address+c.size == h.leftBound:
				h.leftBound -= c.size
			default:
				continue
			}

			merged = append(merged[:index], merged[index+1:]...)
			folded = true
			changed = true
			break
		}
	}

	h.freedSmall = h.freedSmall[:0]
	h.freedLarge = h.freedLarge[:0]
	for _, c := range merged {
		if c.size <= h.threshold {
			h.freedSmall = append(h.freedSmall, c)
		} else {
			h.freedLarge = append(h.freedLarge, c)
		}
	}

	return changed
}

// takeFromFreed returns the best fitting freed chunk. Larger chunks are split and the range is carved
// from their end.
func takeFromFreed(freed *[]chunk, size uint64) uint64 {
	best := -1
	for index, c := range *freed {
		if c.size < size {
			continue
		}
		if best < 0 || c.size < (*freed)[best].size {
			best = index
		}
	}

	if best < 0 {
		return 0
	}

	c := &(*freed)[best]
	if c.size == size {
		address := c.address
		*freed = append((*freed)[:best], (*freed)[best+1:]...)
		return address
	}

	c.size -= size
	return c.address + c.size
}

func storeInFreed(freed *[]chunk, address, size uint64) {
	for index := range *freed {
		c := &(*freed)[index]
		if c.address == address+size {
			c.address = address
			c.size += size
			return
		}
		if c.address+c.size == address {
			c.size += size
			return
		}
	}

	*freed = append(*freed, chunk{address: address, size: size})
}
