// Package tmm is the tile memory manager. It binds the bank selector, placement engine, chunk planner and
// buffer object registry of one device into graphics allocations with a GPU virtual address.
package tmm

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tilemem/banks"
	"github.com/vkngwrapper/tilemem/bo"
	"github.com/vkngwrapper/tilemem/chunking"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/internal/utils"
	"github.com/vkngwrapper/tilemem/kmd"
	"github.com/vkngwrapper/tilemem/memutils"
	"github.com/vkngwrapper/tilemem/placement"
	"golang.org/x/exp/slog"
)

// ErrAllocationsLeaked is reported by Close when allocations were never freed
var ErrAllocationsLeaked = errors.New("allocations leaked")

// Manager owns every placement and lifetime structure of a single device
type Manager struct {
	logger    *slog.Logger
	transport kmd.Transport
	heap      kmd.AddressHeap

	createFlags  CreateFlags
	capabilities DeviceCapabilities
	overrides    config.Overrides
	localBanks   memutils.BankMask

	selector *banks.Selector
	planner  *chunking.Planner
	engine   *placement.Engine
	registry *bo.Registry

	mutex       *utils.OptionalMutex
	allocations *swiss.Map[*Allocation, struct{}]
}

// New creates a Manager for the device behind transport
//
// transport - The kernel interface used to create and destroy buffer objects
//
// heap - The device's GPU virtual address partition
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, transport kmd.Transport, heap kmd.AddressHeap, options CreateOptions) (*Manager, error) {
	regions, err := transport.QueryLocalMemoryRegions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query local memory regions")
	}

	overrides := config.Default()
	if options.Overrides != nil {
		overrides = *options.Overrides
	}
	err = overrides.Validate()
	if err != nil {
		return nil, err
	}

	localBanks := kmd.LocalBanks(regions)
	bankCount := 1
	if !localBanks.IsEmpty() {
		bankList := localBanks.Banks()
		bankCount = bankList[len(bankList)-1] + 1
	}

	selector, err := banks.NewSelector(bankCount, overrides)
	if err != nil {
		return nil, err
	}

	planner := chunking.NewPlanner(chunking.Options{
		Mode:           options.Capabilities.ChunkingMode,
		BufferChunking: options.Capabilities.BufferChunking,
		MinSize:        options.Capabilities.MinSizeForChunking,
	}, overrides)

	engine := placement.NewEngine(logger, selector, planner, options.PolicyTable, placement.Device{
		LocalBanks:            localBanks,
		MultiStorageSupported: options.Capabilities.MultiStorageSupported,
		MultiTileISAPlacement: options.Capabilities.MultiTileISAPlacement,
		DebuggingEnabled:      options.Capabilities.DebuggingEnabled,
	}, overrides)

	useMutex := options.Flags&CreateExternallySynchronized == 0
	registry, err := bo.NewRegistry(logger, bo.Options{
		Transport:              transport,
		Heap:                   heap,
		Selector:               selector,
		PATIndex:               options.PATIndex,
		ExternallySynchronized: !useMutex,
		AsyncDestroy:           options.Flags&CreateAsyncDestroy != 0,
		PrintCreateDestroy:     overrides.PrintBOCreateDestroy,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Manager::New", slog.Int("BankCount", bankCount), slog.String("LocalBanks", localBanks.String()),
		slog.String("Flags", options.Flags.String()))

	return &Manager{
		logger:       logger,
		transport:    transport,
		heap:         heap,
		createFlags:  options.Flags,
		capabilities: options.Capabilities,
		overrides:    overrides,
		localBanks:   localBanks,
		selector:     selector,
		planner:      planner,
		engine:       engine,
		registry:     registry,
		mutex:        utils.NewOptionalMutex(useMutex),
		allocations:  swiss.NewMap[*Allocation, struct{}](64),
	}, nil
}

func (m *Manager) Selector() *banks.Selector {
	return m.selector
}

func (m *Manager) Engine() *placement.Engine {
	return m.engine
}

func (m *Manager) Planner() *chunking.Planner {
	return m.planner
}

func (m *Manager) Registry() *bo.Registry {
	return m.registry
}

func (m *Manager) CreateFlags() CreateFlags {
	return m.createFlags
}

func (m *Manager) Capabilities() DeviceCapabilities {
	return m.capabilities
}

func (m *Manager) Overrides() config.Overrides {
	return m.overrides
}

// LocalBanks returns the banks backed by a device-local memory region
func (m *Manager) LocalBanks() memutils.BankMask {
	return m.localBanks
}

// LocalMemorySupported returns true if the device reported at least one device-local memory region
func (m *Manager) LocalMemorySupported() bool {
	return !m.localBanks.IsEmpty()
}

func (m *Manager) track(alloc *Allocation) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.allocations.Put(alloc, struct{}{})
}

func (m *Manager) untrack(alloc *Allocation) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.allocations.Delete(alloc)
}

// AllocateInDevicePool places an allocation in device-local memory. StatusRetryInNonDevicePool is returned
// with a nil error when the allocation must live in system memory instead.
func (m *Manager) AllocateInDevicePool(info AllocationInfo) (*Allocation, AllocationStatus, error) {
	m.logger.Debug("Manager::AllocateInDevicePool",
		slog.String("Type", info.Type.String()),
		slog.Uint64("Size", info.Size),
		slog.String("Banks", info.Banks.String()),
	)

	if info.UseSystemMemory || !m.LocalMemorySupported() {
		return nil, StatusRetryInNonDevicePool, nil
	}

	if info.Size == 0 {
		return nil, StatusError, errors.Wrap(memutils.ErrInvalidArgument, "allocation size may not be 0")
	}

	candidates := info.Banks
	if candidates.IsEmpty() {
		candidates = m.localBanks
	}

	desc, err := m.engine.DecidePlacement(placement.Request{
		Type:        info.Type,
		Banks:       candidates,
		Size:        info.Size,
		Flags:       info.Flags,
		ResourceTag: info.ResourceTag,
	})
	if errors.Is(err, memutils.ErrUnsupportedPlacement) {
		m.logger.Debug("    Manager::AllocateInDevicePool retry in non-device pool", slog.Any("error", err))
		return nil, StatusRetryInNonDevicePool, nil
	} else if err != nil {
		return nil, StatusError, err
	}

	objects, err := m.registry.CreateForDescriptor(info.DeviceIndex, &desc, info.Flags&placement.FlagShareable != 0)
	if err != nil {
		m.logger.Debug("    Manager::AllocateInDevicePool FAILED", slog.Any("error", err))
		return nil, StatusError, err
	}

	reservedSize := memutils.AlignUp(info.Size, memutils.PageSize64K)
	address := m.heap.HeapAllocate(kmd.HeapStandard64KB, reservedSize)
	if address == 0 {
		for _, obj := range objects {
			m.registry.Unreference(obj, !obj.IsReused())
		}
		return nil, StatusError, errors.Wrapf(memutils.ErrAllocationFailed, "no virtual address range of %d bytes", reservedSize)
	}

	alloc := &Allocation{
		allocationType: info.Type,
		descriptor:     desc,
		objects:        objects,
		gpuAddress:     address,
		reservedSize:   reservedSize,
		sharedHandle:   -1,
	}
	if info.HostStagingSize > 0 {
		alloc.staging = make([]byte, info.HostStagingSize)
	}

	m.track(alloc)
	return alloc, StatusSuccess, nil
}

// ImportSharedHandle wraps an object exported by another process or device. Importing the same object
// twice shares one buffer object between both allocations.
func (m *Manager) ImportSharedHandle(osHandle int, deviceIndex int, allocationType placement.AllocationType) (*Allocation, error) {
	m.logger.Debug("Manager::ImportSharedHandle", slog.Int("OSHandle", osHandle), slog.Int("DeviceIndex", deviceIndex))

	handle, size, err := m.transport.ImportSharedHandle(osHandle)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to import shared handle %d", osHandle), memutils.ErrAllocationFailed)
	}

	obj, err := m.registry.CreateOrShare(bo.Source{
		Imported:    true,
		Handle:      handle,
		DeviceIndex: deviceIndex,
		Size:        size,
	})
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{
		allocationType: allocationType,
		descriptor:     placement.StorageDescriptor{Size: size},
		objects:        []*bo.BufferObject{obj},
		gpuAddress:     obj.GPUAddress(),
		sharedHandle:   osHandle,
	}

	m.track(alloc)
	return alloc, nil
}

// Free releases the allocation's buffer object references, then its virtual address range, then its host
// staging memory. Freeing an allocation twice panics.
func (m *Manager) Free(alloc *Allocation) {
	if !alloc.freed.CompareAndSwap(false, true) {
		panic(errors.Wrapf(memutils.ErrUnrecoverable, "allocation at %#x was freed twice", alloc.gpuAddress))
	}

	m.logger.Debug("Manager::Free", slog.String("Type", alloc.allocationType.String()), slog.Uint64("GPUAddress", alloc.gpuAddress))

	for _, obj := range alloc.objects {
		m.registry.Unreference(obj, !obj.IsReused())
	}

	if alloc.reservedSize > 0 {
		m.heap.HeapFree(alloc.gpuAddress, alloc.reservedSize)
	}

	alloc.staging = nil
	m.untrack(alloc)
}

// AllocationCount returns the number of allocations that have not been freed
func (m *Manager) AllocationCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.allocations.Count()
}

// BankOccupancy returns the bytes currently resident on each bank
func (m *Manager) BankOccupancy() []uint64 {
	return m.selector.Snapshot()
}

func (m *Manager) RegistryStats() bo.Stats {
	return m.registry.Stats()
}

func (m *Manager) liveAllocations() []*Allocation {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	allocations := make([]*Allocation, 0, m.allocations.Count())
	m.allocations.Iter(func(alloc *Allocation, _ struct{}) bool {
		allocations = append(allocations, alloc)
		return false
	})
	return allocations
}

// PoolStatistics breaks the device pool down by memory bank. Objects backed by several banks are
// attributed to their lowest bank; imported objects land in Unplaced.
type PoolStatistics struct {
	Banks    []memutils.DetailedStatistics
	Unplaced memutils.DetailedStatistics
	Total    memutils.DetailedStatistics
}

func (m *Manager) bucketFor(stats *PoolStatistics, banks memutils.BankMask) *memutils.DetailedStatistics {
	bank := banks.First()
	if bank < 0 || bank >= len(stats.Banks) {
		return &stats.Unplaced
	}
	return &stats.Banks[bank]
}

// CalculatePoolStatistics totals the live allocations and the buffer objects behind them per bank.
// Buffer objects shared by several allocations are counted once.
func (m *Manager) CalculatePoolStatistics() PoolStatistics {
	stats := PoolStatistics{Banks: make([]memutils.DetailedStatistics, m.selector.BankCount())}
	for bank := range stats.Banks {
		stats.Banks[bank].Clear()
	}
	stats.Unplaced.Clear()
	stats.Total.Clear()

	seen := swiss.NewMap[*bo.BufferObject, struct{}](16)
	for _, alloc := range m.liveAllocations() {
		var allocBanks memutils.BankMask
		if len(alloc.objects) > 0 {
			allocBanks = alloc.objects[0].Banks()
		}
		m.bucketFor(&stats, allocBanks).AddAllocation(alloc.Size())

		for _, obj := range alloc.objects {
			if seen.Has(obj) {
				continue
			}
			seen.Put(obj, struct{}{})

			bucket := m.bucketFor(&stats, obj.Banks())
			bucket.ObjectCount++
			bucket.ObjectBytes += obj.Size()
			if obj.IsReused() {
				bucket.SharedObjectCount++
			}
		}
	}

	for bank := range stats.Banks {
		stats.Total.AddDetailedStatistics(&stats.Banks[bank])
	}
	stats.Total.AddDetailedStatistics(&stats.Unplaced)

	return stats
}

// CalculateStatistics returns the totals of CalculatePoolStatistics
func (m *Manager) CalculateStatistics() memutils.DetailedStatistics {
	return m.CalculatePoolStatistics().Total
}

// BuildStatsString returns a json document describing bank occupancy and buffer object counts. With
// detailed set, every live allocation is listed as well.
func (m *Manager) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	root := writer.Object()

	bankArray := root.Name("Banks").Array()
	for bank, occupied := range m.selector.Snapshot() {
		obj := bankArray.Object()
		obj.Name("Bank").Int(bank)
		obj.Name("Local").Bool(m.localBanks.Test(bank))
		obj.Name("OccupiedBytes").Float64(float64(occupied))
		obj.End()
	}
	bankArray.End()

	stats := m.registry.Stats()
	registryObj := root.Name("BufferObjects").Object()
	registryObj.Name("Created").Float64(float64(stats.Created))
	registryObj.Name("Imported").Float64(float64(stats.Imported))
	registryObj.Name("Reused").Float64(float64(stats.Reused))
	registryObj.Name("Destroyed").Float64(float64(stats.Destroyed))
	registryObj.Name("Live").Int(stats.Live)
	registryObj.Name("Shared").Int(stats.Shared)
	registryObj.End()

	total := m.CalculateStatistics()
	root.Name("Allocations").Int(total.AllocationCount)
	root.Name("AllocationBytes").Float64(float64(total.AllocationBytes))
	root.Name("ObjectBytes").Float64(float64(total.ObjectBytes))
	if total.AllocationCount > 0 {
		root.Name("AllocationSizeMin").Float64(float64(total.AllocationSizeMin))
		root.Name("AllocationSizeMax").Float64(float64(total.AllocationSizeMax))
	}

	if detailed {
		allocations := m.liveAllocations()
		detailArray := root.Name("DetailedAllocations").Array()
		for _, alloc := range allocations {
			obj := detailArray.Object()
			alloc.printParameters(&obj)
			obj.End()
		}
		detailArray.End()
	}

	root.End()
	return string(writer.Bytes())
}

// Close frees every allocation that is still live, flushes pending buffer object destruction and reports
// anything that leaked
func (m *Manager) Close() error {
	var result *multierror.Error

	leaked := m.liveAllocations()
	if len(leaked) > 0 {
		m.logger.Warn("Manager::Close freeing leaked allocations", slog.Int("Count", len(leaked)))
		result = multierror.Append(result, errors.Wrapf(ErrAllocationsLeaked, "%d allocations were never freed", len(leaked)))
	}
	for _, alloc := range leaked {
		m.Free(alloc)
	}

	err := m.registry.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
