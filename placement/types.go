package placement

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
)

// AllocationType is the semantic type of a graphics allocation. It selects the row of the PolicyTable
// used to place the allocation.
type AllocationType int

const (
	AllocationTypeUnknown AllocationType = iota
	AllocationTypeBuffer
	AllocationTypeBufferCompressed
	AllocationTypeSVMGPU
	AllocationTypeUnifiedSharedMemory
	AllocationTypeCommandBuffer
	AllocationTypeRingBuffer
	AllocationTypeSemaphoreBuffer
	AllocationTypeLinearStream
	AllocationTypeInternalHeap
	AllocationTypeTagBuffer
	AllocationTypeKernelISA
	AllocationTypeInternalISA
	AllocationTypeConstantSurface
	AllocationTypeDebugModuleArea
	AllocationTypePrivateSurface
	AllocationTypeScratchSurface
	AllocationTypePreemption
	AllocationTypeDeferredTasksList
	AllocationTypeWorkPartitionSurface
	AllocationTypeGlobalSurface
	AllocationTypeTimestampPacket
)

var allocationTypeMapping = map[AllocationType]string{
	AllocationTypeUnknown:              "AllocationTypeUnknown",
	AllocationTypeBuffer:               "AllocationTypeBuffer",
	AllocationTypeBufferCompressed:     "AllocationTypeBufferCompressed",
	AllocationTypeSVMGPU:               "AllocationTypeSVMGPU",
	AllocationTypeUnifiedSharedMemory:  "AllocationTypeUnifiedSharedMemory",
	AllocationTypeCommandBuffer:        "AllocationTypeCommandBuffer",
	AllocationTypeRingBuffer:           "AllocationTypeRingBuffer",
	AllocationTypeSemaphoreBuffer:      "AllocationTypeSemaphoreBuffer",
	AllocationTypeLinearStream:         "AllocationTypeLinearStream",
	AllocationTypeInternalHeap:         "AllocationTypeInternalHeap",
	AllocationTypeTagBuffer:            "AllocationTypeTagBuffer",
	AllocationTypeKernelISA:            "AllocationTypeKernelISA",
	AllocationTypeInternalISA:          "AllocationTypeInternalISA",
	AllocationTypeConstantSurface:      "AllocationTypeConstantSurface",
	AllocationTypeDebugModuleArea:      "AllocationTypeDebugModuleArea",
	AllocationTypePrivateSurface:       "AllocationTypePrivateSurface",
	AllocationTypeScratchSurface:       "AllocationTypeScratchSurface",
	AllocationTypePreemption:           "AllocationTypePreemption",
	AllocationTypeDeferredTasksList:    "AllocationTypeDeferredTasksList",
	AllocationTypeWorkPartitionSurface: "AllocationTypeWorkPartitionSurface",
	AllocationTypeGlobalSurface:        "AllocationTypeGlobalSurface",
	AllocationTypeTimestampPacket:      "AllocationTypeTimestampPacket",
}

func (t AllocationType) String() string {
	str, ok := allocationTypeMapping[t]
	if !ok {
		return fmt.Sprintf("AllocationType(%d)", int(t))
	}
	return str
}

// ParseAllocationType returns the AllocationType whose String matches name
func ParseAllocationType(name string) (AllocationType, bool) {
	for allocationType, str := range allocationTypeMapping {
		if str == name {
			return allocationType, true
		}
	}
	return AllocationTypeUnknown, false
}

// Flags are per-request placement hints supplied by the caller
type Flags uint32

var flagsMapping = common.NewFlagStringMapping[Flags]()

func (f Flags) Register(str string) {
	flagsMapping.Register(f, str)
}

func (f Flags) String() string {
	return flagsMapping.FlagsToString(f)
}

const (
	// FlagMultiContextCapable indicates the allocation is used by a command stream that spans every tile
	FlagMultiContextCapable Flags = 1 << iota
	// FlagMultiStorage opts a stripeable allocation into striping across banks
	FlagMultiStorage
	// FlagReadOnlyMultiStorage requests one independent copy of a read-only buffer per bank
	FlagReadOnlyMultiStorage
	// FlagCPUAccessRequired places the allocation in the CPU-visible segment and makes it lockable
	FlagCPUAccessRequired
	// FlagLockable allows the allocation to be locked for CPU access
	FlagLockable
	// FlagShareable marks the allocation for export to other processes. Shareable allocations are never
	// lockable.
	FlagShareable
)

func init() {
	FlagMultiContextCapable.Register("FlagMultiContextCapable")
	FlagMultiStorage.Register("FlagMultiStorage")
	FlagReadOnlyMultiStorage.Register("FlagReadOnlyMultiStorage")
	FlagCPUAccessRequired.Register("FlagCPUAccessRequired")
	FlagLockable.Register("FlagLockable")
	FlagShareable.Register("FlagShareable")
}

// Shape is the way an allocation's backing store is laid out across banks
type Shape int

const (
	// ShapeNone indicates the allocation has no bank affinity
	ShapeNone Shape = iota
	// ShapeSingleBank places the allocation on exactly one bank, mapped only there
	ShapeSingleBank
	// ShapeReplicated keeps one physical copy that every visible bank maps through cloned page tables
	ShapeReplicated
	// ShapeTileInstanced keeps one independent physical copy per participating bank
	ShapeTileInstanced
	// ShapeStriped partitions the allocation into contiguous byte ranges, each on a different bank
	ShapeStriped
)

var shapeMapping = map[Shape]string{
	ShapeNone:          "ShapeNone",
	ShapeSingleBank:    "ShapeSingleBank",
	ShapeReplicated:    "ShapeReplicated",
	ShapeTileInstanced: "ShapeTileInstanced",
	ShapeStriped:       "ShapeStriped",
}

func (s Shape) String() string {
	str, ok := shapeMapping[s]
	if !ok {
		return fmt.Sprintf("Shape(%d)", int(s))
	}
	return str
}

// ColouringPolicy selects how a striped allocation is cut into per-bank ranges
type ColouringPolicy int

const (
	// ColouringDeviceCountBased gives each bank one contiguous range of roughly Size / bankCount bytes
	ColouringDeviceCountBased ColouringPolicy = iota
	// ColouringChunkSizeBased hands out granule-sized ranges round-robin, one kernel object per range
	ColouringChunkSizeBased
	// ColouringMappingBased hands out granule-sized ranges round-robin, one kernel object per bank
	ColouringMappingBased
)

var colouringPolicyMapping = map[ColouringPolicy]string{
	ColouringDeviceCountBased: "ColouringDeviceCountBased",
	ColouringChunkSizeBased:   "ColouringChunkSizeBased",
	ColouringMappingBased:     "ColouringMappingBased",
}

func (p ColouringPolicy) String() string {
	str, ok := colouringPolicyMapping[p]
	if !ok {
		return fmt.Sprintf("ColouringPolicy(%d)", int(p))
	}
	return str
}
