// Package kmd describes the narrow contracts tilemem consumes from the kernel-mode driver and the GPU
// virtual address space manager. Nothing in this package talks to a kernel: callers supply an implementation
// (an ioctl wrapper in production, a mock in tests).
package kmd

//go:generate mockgen -destination=mocks/mocks.go -package=mock_kmd github.com/vkngwrapper/tilemem/kmd Transport,AddressHeap

import (
	"fmt"

	"github.com/vkngwrapper/tilemem/memutils"
)

// Handle is an opaque kernel buffer object handle
type Handle uint32

// HeapIndex selects one of the virtual address heaps of a device's GPU address partition
type HeapIndex int

const (
	HeapStandard HeapIndex = iota
	HeapStandard64KB
	HeapExternal

	HeapCount = iota
)

var heapIndexMapping = map[HeapIndex]string{
	HeapStandard:     "HeapStandard",
	HeapStandard64KB: "HeapStandard64KB",
	HeapExternal:     "HeapExternal",
}

func (i HeapIndex) String() string {
	str, ok := heapIndexMapping[i]
	if !ok {
		return fmt.Sprintf("HeapIndex(%d)", int(i))
	}
	return str
}

// MemoryClass distinguishes system memory regions from device-local memory regions
type MemoryClass uint16

const (
	MemoryClassSystem MemoryClass = iota
	MemoryClassDevice
)

// Region is one memory region reported by the kernel. Device-class regions map 1:1 onto banks, with
// Instance being the bank index.
type Region struct {
	Class    MemoryClass
	Instance int
	Size     uint64
}

// LocalBanks returns the mask of banks backed by a device-class region
func LocalBanks(regions []Region) memutils.BankMask {
	var mask memutils.BankMask
	for _, region := range regions {
		if region.Class == MemoryClassDevice {
			mask = mask.With(region.Instance)
		}
	}
	return mask
}

// Transport creates and destroys kernel buffer objects. Implementations must never panic: failures are
// reported through the returned error.
type Transport interface {
	// CreateKernelObject allocates a new buffer object of the given size placed on the banks in the mask.
	// An empty mask requests system memory. A numChunks of two or more asks the kernel to back the object with
	// that many equally sized chunks; zero requests an unchunked object.
	CreateKernelObject(banks memutils.BankMask, size uint64, numChunks int, patIndex uint64, shareable bool) (Handle, error)
	// DestroyKernelObject closes a handle previously returned by CreateKernelObject or ImportSharedHandle
	DestroyKernelObject(handle Handle) error
	// ImportSharedHandle converts a process-visible handle (such as a dma-buf file descriptor) into a kernel
	// handle, returning the size of the underlying object. Importing the same object twice yields the same handle.
	ImportSharedHandle(osHandle int) (Handle, uint64, error)
	QueryLocalMemoryRegions() ([]Region, error)
}

// AddressHeap hands out GPU virtual address ranges
type AddressHeap interface {
	// HeapAllocate reserves size bytes from the heap; a zero return means the heap is exhausted
	HeapAllocate(heap HeapIndex, size uint64) uint64
	HeapFree(address uint64, size uint64)
}
