package tmm

import (
	"fmt"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tilemem/bo"
	"github.com/vkngwrapper/tilemem/memutils"
	"github.com/vkngwrapper/tilemem/placement"
)

// AllocationStatus is the outcome of AllocateInDevicePool
type AllocationStatus int

const (
	StatusSuccess AllocationStatus = iota
	// StatusRetryInNonDevicePool means the allocation cannot live in device-local memory and the caller
	// should place it in system memory instead
	StatusRetryInNonDevicePool
	StatusError
)

var allocationStatusMapping = map[AllocationStatus]string{
	StatusSuccess:              "StatusSuccess",
	StatusRetryInNonDevicePool: "StatusRetryInNonDevicePool",
	StatusError:                "StatusError",
}

func (s AllocationStatus) String() string {
	str, ok := allocationStatusMapping[s]
	if !ok {
		return fmt.Sprintf("AllocationStatus(%d)", int(s))
	}
	return str
}

// AllocationInfo describes a requested device pool allocation
type AllocationInfo struct {
	Type placement.AllocationType
	Size uint64
	// DeviceIndex identifies the root device for buffer object deduplication
	DeviceIndex int
	// Banks are the candidate banks. An empty mask selects every bank with local memory.
	Banks memutils.BankMask
	Flags placement.Flags
	// UseSystemMemory skips the device pool entirely
	UseSystemMemory bool
	// HostStagingSize requests a driver-owned host buffer of the given size alongside the allocation
	HostStagingSize uint64
	ResourceTag     string
}

// Allocation is a graphics allocation: a placement decision, the buffer objects backing it, and the
// GPU virtual address range it is mapped at
type Allocation struct {
	allocationType placement.AllocationType
	descriptor     placement.StorageDescriptor
	objects        []*bo.BufferObject

	gpuAddress   uint64
	reservedSize uint64
	staging      []byte
	sharedHandle int

	freed atomic.Bool
}

func (a *Allocation) Type() placement.AllocationType {
	return a.allocationType
}

func (a *Allocation) Descriptor() placement.StorageDescriptor {
	return a.descriptor
}

func (a *Allocation) BufferObjects() []*bo.BufferObject {
	return a.objects
}

func (a *Allocation) GPUAddress() uint64 {
	return a.gpuAddress
}

func (a *Allocation) Size() uint64 {
	return a.descriptor.Size
}

// ReservedSize is the size of the virtual address range owned by the allocation. Imported allocations
// use the range owned by their buffer object and report 0.
func (a *Allocation) ReservedSize() uint64 {
	return a.reservedSize
}

// Staging returns the host staging buffer, or nil if none was requested
func (a *Allocation) Staging() []byte {
	return a.staging
}

// SharedHandle returns the OS handle the allocation was imported from
func (a *Allocation) SharedHandle() (int, bool) {
	return a.sharedHandle, a.sharedHandle >= 0
}

func (a *Allocation) IsFreed() bool {
	return a.freed.Load()
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("GPUAddress").Float64(float64(a.gpuAddress))
	json.Name("BufferObjects").Int(len(a.objects))
	if a.staging != nil {
		json.Name("HostStagingSize").Int(len(a.staging))
	}
	if handle, ok := a.SharedHandle(); ok {
		json.Name("SharedHandle").Int(handle)
	}

	a.descriptor.PrintParameters(json)
}
