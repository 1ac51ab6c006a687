// Package bo owns kernel buffer objects: it creates them, deduplicates imported handles so that one kernel
// object is never wrapped twice, counts references, and destroys each object exactly once.
package bo

import (
	"fmt"
	"sync/atomic"

	"github.com/vkngwrapper/tilemem/kmd"
	"github.com/vkngwrapper/tilemem/memutils"
)

// Source describes where a BufferObject comes from
type Source struct {
	// Imported is true when Handle names an existing kernel object
	Imported    bool
	Handle      kmd.Handle
	DeviceIndex int
	Size        uint64
	// Banks is the placement mask for newly created objects. It is ignored for imports.
	Banks memutils.BankMask
	// NumChunks asks the kernel to split a newly created object into chunks. It is ignored for imports.
	NumChunks int
	// Shareable objects are registered for deduplication against later imports
	Shareable bool
}

type sharedKey struct {
	handle      kmd.Handle
	deviceIndex int
}

// BufferObject is a reference-counted kernel buffer object
type BufferObject struct {
	handle      kmd.Handle
	deviceIndex int
	size        uint64
	banks       memutils.BankMask
	numChunks   int
	imported    bool

	refCount atomic.Int32
	reused   atomic.Bool

	gpuAddress uint64
	unmapSize  uint64
}

func (o *BufferObject) Handle() kmd.Handle {
	return o.handle
}

func (o *BufferObject) DeviceIndex() int {
	return o.deviceIndex
}

func (o *BufferObject) Size() uint64 {
	return o.size
}

// Banks returns the banks the object was placed on. Imported objects report an empty mask.
func (o *BufferObject) Banks() memutils.BankMask {
	return o.banks
}

// NumChunks returns the number of kernel chunks backing the object, zero when it is not chunked
func (o *BufferObject) NumChunks() int {
	return o.numChunks
}

func (o *BufferObject) IsImported() bool {
	return o.imported
}

// IsReused returns true if the object is registered in the shared map and may gain owners at any time
func (o *BufferObject) IsReused() bool {
	return o.reused.Load()
}

func (o *BufferObject) RefCount() uint32 {
	return uint32(o.refCount.Load())
}

// GPUAddress returns the virtual address range acquired when the object was imported, or 0
func (o *BufferObject) GPUAddress() uint64 {
	return o.gpuAddress
}

func (o *BufferObject) key() sharedKey {
	return sharedKey{handle: o.handle, deviceIndex: o.deviceIndex}
}

func (o *BufferObject) String() string {
	return fmt.Sprintf("BufferObject{handle: %d, device: %d, size: %d, banks: %s, refs: %d}",
		o.handle, o.deviceIndex, o.size, o.banks, o.RefCount())
}
