package placement

import "fmt"

// PolicyKind is the placement rule applied to a multi-bank request
type PolicyKind int

const (
	// PolicyReplicated keeps one physical copy on the least-occupied candidate, visible on every candidate
	PolicyReplicated PolicyKind = iota
	// PolicyContextBound is pinned to one bank unless the owning command stream spans every tile, in which
	// case it is replicated
	PolicyContextBound
	// PolicyInstruction is tile-instanced on devices that support multi-tile instruction placement and
	// replicated otherwise
	PolicyInstruction
	// PolicyPerContext is tile-instanced when the owning command stream spans every tile and pinned to the
	// least-occupied bank otherwise
	PolicyPerContext
	// PolicyStripeable is striped across every candidate when the device and caller allow it
	PolicyStripeable
	// PolicyShared is one physical object placed across every candidate bank
	PolicyShared
)

var policyKindMapping = map[PolicyKind]string{
	PolicyReplicated:   "PolicyReplicated",
	PolicyContextBound: "PolicyContextBound",
	PolicyInstruction:  "PolicyInstruction",
	PolicyPerContext:   "PolicyPerContext",
	PolicyStripeable:   "PolicyStripeable",
	PolicyShared:       "PolicyShared",
}

func (k PolicyKind) String() string {
	str, ok := policyKindMapping[k]
	if !ok {
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
	return str
}

// Policy is one row of a PolicyTable
type Policy struct {
	Kind PolicyKind
	// PreferFirstBank places replicated context-bound allocations on the first candidate bank rather than
	// the least-occupied one. Direct submission rings rely on it.
	PreferFirstBank bool
	// LocalOnly marks allocations that must never migrate out of device-local memory
	LocalOnly bool
	// Chunkable marks allocations that the chunk planner may split
	Chunkable bool
}

// PolicyTable maps an allocation type to its placement policy. Types that are absent use the zero Policy,
// which replicates the allocation.
type PolicyTable map[AllocationType]Policy

func (t PolicyTable) Lookup(allocationType AllocationType) Policy {
	return t[allocationType]
}

// DefaultPolicyTable returns the placement policy of every known allocation type
func DefaultPolicyTable() PolicyTable {
	contextBound := Policy{Kind: PolicyContextBound}
	directSubmission := Policy{Kind: PolicyContextBound, PreferFirstBank: true}
	instruction := Policy{Kind: PolicyInstruction}
	perContext := Policy{Kind: PolicyPerContext}
	stripeable := Policy{Kind: PolicyStripeable, LocalOnly: true, Chunkable: true}

	return PolicyTable{
		AllocationTypeCommandBuffer:   directSubmission,
		AllocationTypeRingBuffer:      directSubmission,
		AllocationTypeSemaphoreBuffer: directSubmission,
		AllocationTypeLinearStream:    contextBound,
		AllocationTypeInternalHeap:    contextBound,
		AllocationTypeTagBuffer:       contextBound,

		AllocationTypeKernelISA:       instruction,
		AllocationTypeInternalISA:     instruction,
		AllocationTypeConstantSurface: instruction,
		AllocationTypeDebugModuleArea: instruction,

		AllocationTypePrivateSurface:       perContext,
		AllocationTypeScratchSurface:       perContext,
		AllocationTypePreemption:           perContext,
		AllocationTypeDeferredTasksList:    perContext,
		AllocationTypeWorkPartitionSurface: perContext,

		AllocationTypeBuffer:           stripeable,
		AllocationTypeBufferCompressed: stripeable,
		AllocationTypeSVMGPU:           stripeable,

		// Shared memory spans every candidate bank, so it is only chunked once ForceSingleTile narrows it
		AllocationTypeUnifiedSharedMemory: {Kind: PolicyShared, Chunkable: true},
	}
}
