// Package placement decides which memory banks back an allocation and how its backing store is laid out
// across them.
package placement

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tilemem/banks"
	"github.com/vkngwrapper/tilemem/chunking"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/memutils"
	"golang.org/x/exp/slog"
)

// DefaultColouringGranularity is the stripe granularity used when no override is set
const DefaultColouringGranularity = memutils.PageSize64K

// Device is the read-only capability table consulted during placement
type Device struct {
	// LocalBanks is the set of banks backed by a device-local memory region
	LocalBanks memutils.BankMask
	// MultiStorageSupported allows stripeable allocations to be striped
	MultiStorageSupported bool
	// MultiTileISAPlacement places instruction heaps as one copy per tile
	MultiTileISAPlacement bool
	// DebuggingEnabled disables chunking
	DebuggingEnabled bool
}

// Request is a single placement query
type Request struct {
	Type        AllocationType
	Banks       memutils.BankMask
	Size        uint64
	Flags       Flags
	ResourceTag string
}

// Engine turns placement requests into storage descriptors. It reads bank occupancy but never changes it.
type Engine struct {
	logger    *slog.Logger
	selector  *banks.Selector
	planner   *chunking.Planner
	table     PolicyTable
	device    Device
	overrides config.Overrides
}

// NewEngine creates an Engine. planner may be nil to disable chunking, and a nil table selects
// DefaultPolicyTable.
func NewEngine(logger *slog.Logger, selector *banks.Selector, planner *chunking.Planner, table PolicyTable, device Device, overrides config.Overrides) *Engine {
	if table == nil {
		table = DefaultPolicyTable()
	}

	return &Engine{
		logger:    logger,
		selector:  selector,
		planner:   planner,
		table:     table,
		device:    device,
		overrides: overrides,
	}
}

func (e *Engine) Device() Device {
	return e.device
}

func singleBank(bank int) StorageDescriptor {
	mask := memutils.BankMaskOf(bank)
	return StorageDescriptor{
		MemoryBanks:          mask,
		PageTablesVisibility: mask,
		Shape:                ShapeSingleBank,
	}
}

func replicated(physical memutils.BankMask, visibility memutils.BankMask) StorageDescriptor {
	return StorageDescriptor{
		MemoryBanks:          physical,
		PageTablesVisibility: visibility,
		Shape:                ShapeReplicated,
	}
}

func tileInstanced(mask memutils.BankMask) StorageDescriptor {
	return StorageDescriptor{
		MemoryBanks:          mask,
		PageTablesVisibility: mask,
		Shape:                ShapeTileInstanced,
	}
}

func (e *Engine) leastOccupied(candidates memutils.BankMask) memutils.BankMask {
	return memutils.BankMaskOf(e.selector.LeastOccupiedBank(candidates))
}

func (e *Engine) colouring() (ColouringPolicy, uint64) {
	granularity, granularityOverridden := e.overrides.Granularity()
	if !granularityOverridden {
		granularity = DefaultColouringGranularity
	}

	policy := ColouringDeviceCountBased
	if granularityOverridden {
		policy = ColouringChunkSizeBased
	}
	if e.overrides.MultiStoragePolicy != config.Unset {
		policy = ColouringPolicy(e.overrides.MultiStoragePolicy)
	}

	return policy, granularity
}

func (e *Engine) applyPolicy(policy Policy, request Request) StorageDescriptor {
	candidates := request.Banks
	multiContext := request.Flags&FlagMultiContextCapable != 0

	switch policy.Kind {
	case PolicyContextBound:
		if !multiContext {
			return singleBank(e.selector.LeastOccupiedBank(candidates))
		}

		if policy.PreferFirstBank {
			return replicated(memutils.BankMaskOf(candidates.First()), candidates)
		}
		return replicated(e.leastOccupied(candidates), candidates)

	case PolicyInstruction:
		if e.device.MultiTileISAPlacement {
			return tileInstanced(candidates)
		}
		return replicated(e.leastOccupied(candidates), candidates)

	case PolicyPerContext:
		if multiContext {
			return tileInstanced(candidates)
		}
		return singleBank(e.selector.LeastOccupiedBank(candidates))

	case PolicyStripeable:
		if request.Flags&FlagReadOnlyMultiStorage != 0 {
			desc := tileInstanced(candidates)
			desc.ReadOnlyMultiStorage = true
			return desc
		}

		colouringPolicy, granularity := e.colouring()
		if e.device.MultiStorageSupported &&
			request.Flags&FlagMultiStorage != 0 &&
			request.Size >= uint64(candidates.Count())*granularity {

			return StorageDescriptor{
				MemoryBanks:          candidates,
				PageTablesVisibility: candidates,
				Shape:                ShapeStriped,
				ColouringPolicy:      colouringPolicy,
				ColouringGranularity: granularity,
			}
		}
		return replicated(e.leastOccupied(candidates), candidates)

	case PolicyShared:
		return replicated(candidates, candidates)
	}

	return replicated(e.leastOccupied(candidates), candidates)
}

func (e *Engine) applyOverrides(desc StorageDescriptor, request Request) StorageDescriptor {
	if e.overrides.ForceSingleTile {
		return singleBank(e.selector.LeastOccupiedBank(request.Banks))
	}

	if e.overrides.ForceMultiTile {
		return tileInstanced(request.Banks)
	}

	return desc
}

func (e *Engine) applyChunking(desc *StorageDescriptor, policy Policy, request Request) {
	if e.planner == nil || !policy.Chunkable || desc.MemoryBanks.Count() != 1 || request.Banks.Count() < 2 {
		return
	}

	category := chunking.CategoryDevice
	if request.Type == AllocationTypeUnifiedSharedMemory {
		category = chunking.CategoryShared
	}

	plan, ok := e.planner.Plan(request.Size, chunking.Environment{
		Category:         category,
		MultiSubDevice:   true,
		DebuggingEnabled: e.device.DebuggingEnabled,
		Buffer:           true,
	})
	if !ok {
		return
	}

	desc.IsChunked = true
	desc.NumChunks = plan.NumChunks
	desc.ChunkSize = plan.ChunkSize
}

func applyMetadata(desc *StorageDescriptor, policy Policy, request Request) {
	if request.Flags&FlagCPUAccessRequired != 0 {
		desc.CPUVisible = true
		desc.IsLockable = true
	}
	if request.Flags&FlagLockable != 0 {
		desc.IsLockable = true
	}
	if request.Flags&FlagShareable != 0 {
		desc.IsLockable = false
	}

	desc.LocalOnlyRequired = policy.LocalOnly
	desc.ResourceTag = request.ResourceTag
}

// DecidePlacement computes the storage descriptor for a request. It fails with
// memutils.ErrUnsupportedPlacement when the decision needs a bank that has no device-local memory.
func (e *Engine) DecidePlacement(request Request) (StorageDescriptor, error) {
	e.logger.Debug("Engine::DecidePlacement",
		slog.String("Type", request.Type.String()),
		slog.String("Banks", request.Banks.String()),
		slog.Uint64("Size", request.Size),
	)

	if request.Banks.IsEmpty() {
		return StorageDescriptor{Size: request.Size}, nil
	}

	policy := e.table.Lookup(request.Type)

	var desc StorageDescriptor
	if request.Banks.IsSingle() {
		desc = StorageDescriptor{
			MemoryBanks:          request.Banks,
			PageTablesVisibility: request.Banks,
			Shape:                ShapeSingleBank,
		}
	} else {
		desc = e.applyPolicy(policy, request)
		desc = e.applyOverrides(desc, request)
	}

	desc.Size = request.Size
	if desc.Shape == ShapeStriped {
		desc.Stripes = ComputeStripes(desc.MemoryBanks, request.Size, desc.ColouringPolicy, desc.ColouringGranularity)
	}

	applyMetadata(&desc, policy, request)
	e.applyChunking(&desc, policy, request)

	if !e.device.LocalBanks.Contains(desc.MemoryBanks) {
		return StorageDescriptor{}, errors.Wrapf(memutils.ErrUnsupportedPlacement,
			"%s placement requires banks %s, but the device only has local memory on %s",
			request.Type, desc.MemoryBanks, e.device.LocalBanks)
	}

	memutils.DebugValidate(&desc)
	return desc, nil
}
