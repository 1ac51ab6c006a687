package bo

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tilemem/banks"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/kmd"
	mock_kmd "github.com/vkngwrapper/tilemem/kmd/mocks"
	"github.com/vkngwrapper/tilemem/memutils"
	"github.com/vkngwrapper/tilemem/placement"
	"github.com/vkngwrapper/tilemem/vaheap"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const testPATIndex = 3

type registryFixture struct {
	registry  *Registry
	transport *mock_kmd.MockTransport
	heap      *mock_kmd.MockAddressHeap
	selector  *banks.Selector
}

func newFixture(t *testing.T, async bool) *registryFixture {
	ctrl := gomock.NewController(t)
	transport := mock_kmd.NewMockTransport(ctrl)
	heap := mock_kmd.NewMockAddressHeap(ctrl)

	selector, err := banks.NewSelector(4, config.Default())
	require.NoError(t, err)

	registry, err := NewRegistry(slog.New(slog.NewTextHandler(os.Stdout)), Options{
		Transport:    transport,
		Heap:         heap,
		Selector:     selector,
		PATIndex:     testPATIndex,
		AsyncDestroy: async,
	})
	require.NoError(t, err)

	return &registryFixture{
		registry:  registry,
		transport: transport,
		heap:      heap,
		selector:  selector,
	}
}

func (f *registryFixture) occupied(t *testing.T, bank int) uint64 {
	occupied, err := f.selector.OccupiedMemorySizeForBank(bank)
	require.NoError(t, err)
	return occupied
}

func TestNewRegistryRequiresDependencies(t *testing.T) {
	_, err := NewRegistry(slog.New(slog.NewTextHandler(os.Stdout)), Options{})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestCreateReservesAndDestroyFrees(t *testing.T) {
	f := newFixture(t, false)
	f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(1), uint64(4096), 0, uint64(testPATIndex), false).Return(kmd.Handle(7), nil)

	obj, err := f.registry.CreateOrShare(Source{DeviceIndex: 0, Size: 4096, Banks: memutils.BankMaskOf(1)})
	require.NoError(t, err)
	require.Equal(t, kmd.Handle(7), obj.Handle())
	require.Equal(t, uint32(1), obj.RefCount())
	require.False(t, obj.IsReused())
	require.Equal(t, uint64(4096), f.occupied(t, 1))
	require.Equal(t, 0, f.registry.SharedCount())

	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(7)).Return(nil).Times(1)
	require.Equal(t, uint32(1), f.registry.Unreference(obj, true))
	require.Equal(t, uint64(0), f.occupied(t, 1))

	stats := f.registry.Stats()
	require.Equal(t, uint64(1), stats.Created)
	require.Equal(t, uint64(1), stats.Destroyed)
	require.Equal(t, 0, stats.Live)
}

func TestCreateFailureIsAllocationFailed(t *testing.T) {
	f := newFixture(t, false)
	f.transport.EXPECT().CreateKernelObject(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(kmd.Handle(0), errors.New("ENOMEM"))

	obj, err := f.registry.CreateOrShare(Source{Size: 4096, Banks: memutils.BankMaskOf(0)})
	require.Nil(t, obj)
	require.True(t, errors.Is(err, memutils.ErrAllocationFailed))
	require.Equal(t, uint64(0), f.occupied(t, 0))
	require.Equal(t, 0, f.registry.Stats().Live)
}

func TestImportDeduplicates(t *testing.T) {
	f := newFixture(t, false)
	f.heap.EXPECT().HeapAllocate(kmd.HeapExternal, uint64(memutils.PageSize64K)).Return(uint64(0x100000)).Times(1)

	source := Source{Imported: true, Handle: 42, DeviceIndex: 1, Size: 4096}
	first, err := f.registry.CreateOrShare(source)
	require.NoError(t, err)
	second, err := f.registry.CreateOrShare(source)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, uint32(2), first.RefCount())
	require.True(t, first.IsReused())
	require.True(t, first.IsImported())
	require.Equal(t, uint64(0x100000), first.GPUAddress())
	require.Equal(t, 1, f.registry.SharedCount())

	require.Equal(t, uint32(2), f.registry.Unreference(first, false))
	require.Equal(t, 1, f.registry.SharedCount())

	f.heap.EXPECT().HeapFree(uint64(0x100000), uint64(memutils.PageSize64K)).Times(1)
	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(42)).Return(nil).Times(1)
	require.Equal(t, uint32(1), f.registry.Unreference(second, false))
	require.Equal(t, 0, f.registry.SharedCount())

	stats := f.registry.Stats()
	require.Equal(t, uint64(1), stats.Imported)
	require.Equal(t, uint64(1), stats.Reused)
	require.Equal(t, uint64(1), stats.Destroyed)
}

func TestImportIsKeyedByDevice(t *testing.T) {
	f := newFixture(t, false)
	f.heap.EXPECT().HeapAllocate(kmd.HeapExternal, gomock.Any()).Return(uint64(0x100000))
	f.heap.EXPECT().HeapAllocate(kmd.HeapExternal, gomock.Any()).Return(uint64(0x200000))

	first, err := f.registry.CreateOrShare(Source{Imported: true, Handle: 42, DeviceIndex: 0, Size: 4096})
	require.NoError(t, err)
	second, err := f.registry.CreateOrShare(Source{Imported: true, Handle: 42, DeviceIndex: 1, Size: 4096})
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.Equal(t, 2, f.registry.SharedCount())
}

func TestImportWithoutAddressSpaceFails(t *testing.T) {
	f := newFixture(t, false)
	f.heap.EXPECT().HeapAllocate(kmd.HeapExternal, gomock.Any()).Return(uint64(0))

	obj, err := f.registry.CreateOrShare(Source{Imported: true, Handle: 42, Size: 4096})
	require.Nil(t, obj)
	require.True(t, errors.Is(err, memutils.ErrAllocationFailed))
	require.Equal(t, 0, f.registry.SharedCount())
}

func TestShareableObjectIsFoundByImport(t *testing.T) {
	f := newFixture(t, false)
	f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(2), uint64(8192), 0, uint64(testPATIndex), true).Return(kmd.Handle(9), nil)

	created, err := f.registry.CreateOrShare(Source{DeviceIndex: 0, Size: 8192, Banks: memutils.BankMaskOf(2), Shareable: true})
	require.NoError(t, err)
	require.True(t, created.IsReused())

	imported, err := f.registry.CreateOrShare(Source{Imported: true, Handle: 9, DeviceIndex: 0, Size: 8192})
	require.NoError(t, err)
	require.Same(t, created, imported)
	require.Equal(t, uint32(2), created.RefCount())

	require.Equal(t, uint32(2), f.registry.Unreference(imported, false))

	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(9)).Return(nil).Times(1)
	require.Equal(t, uint32(1), f.registry.Unreference(created, false))
	require.Equal(t, uint64(0), f.occupied(t, 2))
}

func TestUnreferenceBelowZeroPanics(t *testing.T) {
	f := newFixture(t, false)
	f.transport.EXPECT().CreateKernelObject(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(kmd.Handle(3), nil)
	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(3)).Return(nil).Times(1)

	obj, err := f.registry.CreateOrShare(Source{Size: 4096, Banks: memutils.BankMaskOf(0)})
	require.NoError(t, err)
	f.registry.Unreference(obj, true)

	require.Panics(t, func() {
		f.registry.Unreference(obj, true)
	})
}

func TestSynchronousUnreferenceWaitsForSoleOwner(t *testing.T) {
	f := newFixture(t, false)
	f.heap.EXPECT().HeapAllocate(kmd.HeapExternal, gomock.Any()).Return(uint64(0x100000))

	source := Source{Imported: true, Handle: 5, Size: 4096}
	obj, err := f.registry.CreateOrShare(source)
	require.NoError(t, err)
	_, err = f.registry.CreateOrShare(source)
	require.NoError(t, err)

	done := make(chan uint32)
	go func() {
		done <- f.registry.Unreference(obj, true)
	}()

	select {
	case <-done:
		require.Fail(t, "synchronous unreference returned while another owner remained")
	case <-time.After(20 * time.Millisecond):
	}

	f.heap.EXPECT().HeapFree(uint64(0x100000), gomock.Any()).Times(1)
	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(5)).Return(nil).Times(1)
	require.Equal(t, uint32(2), f.registry.Unreference(obj, false))

	select {
	case previous := <-done:
		require.Equal(t, uint32(1), previous)
	case <-time.After(5 * time.Second):
		require.Fail(t, "synchronous unreference never returned")
	}
}

func TestAsyncDestroyFlush(t *testing.T) {
	f := newFixture(t, true)
	require.NotNil(t, f.registry.Worker())

	var destroyed atomic.Int32
	f.transport.EXPECT().CreateKernelObject(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(mask memutils.BankMask, size uint64, numChunks int, patIndex uint64, shareable bool) (kmd.Handle, error) {
			return kmd.Handle(100 + mask.First()), nil
		}).Times(4)
	f.transport.EXPECT().DestroyKernelObject(gomock.Any()).DoAndReturn(func(handle kmd.Handle) error {
		destroyed.Add(1)
		return nil
	}).Times(4)

	var objects []*BufferObject
	for bank := 0; bank < 4; bank++ {
		obj, err := f.registry.CreateOrShare(Source{Size: memutils.PageSize64K, Banks: memutils.BankMaskOf(bank)})
		require.NoError(t, err)
		objects = append(objects, obj)
	}

	for _, obj := range objects {
		f.registry.Unreference(obj, true)
	}
	f.registry.Worker().Flush()

	require.Equal(t, int32(4), destroyed.Load())
	require.Equal(t, 0, f.registry.Worker().Pending())
	for bank := 0; bank < 4; bank++ {
		require.Equal(t, uint64(0), f.occupied(t, bank))
	}

	require.NoError(t, f.registry.Close())
}

func TestCloseWorkerDropsWithoutFlush(t *testing.T) {
	release := make(chan struct{})
	var closed atomic.Int32

	worker, err := NewCloseWorker(slog.New(slog.NewTextHandler(os.Stdout)), func(obj *BufferObject) {
		<-release
		closed.Add(1)
	})
	require.NoError(t, err)

	worker.Push(&BufferObject{handle: 1})
	require.Eventually(t, func() bool { return worker.Pending() == 0 }, time.Second, time.Millisecond)
	worker.Push(&BufferObject{handle: 2})
	worker.Push(&BufferObject{handle: 3})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	dropped := worker.Close(false)
	require.Len(t, dropped, 2)
	require.Equal(t, int32(1), closed.Load())

	worker.Push(&BufferObject{handle: 4})
	require.Equal(t, int32(2), closed.Load())
}

func TestCloseWorkerFlushWhilePushing(t *testing.T) {
	var closed atomic.Int32
	worker, err := NewCloseWorker(slog.New(slog.NewTextHandler(os.Stdout)), func(obj *BufferObject) {
		closed.Add(1)
	})
	require.NoError(t, err)

	const pushers = 8
	const perPusher = 2000

	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < perPusher; j++ {
				worker.Push(&BufferObject{handle: kmd.Handle(j)})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < perPusher/10; j++ {
				worker.Flush()
			}
		}()
	}
	wg.Wait()

	worker.Flush()
	require.Equal(t, int32(pushers*perPusher), closed.Load())
	require.Equal(t, 0, worker.Pending())
	require.Empty(t, worker.Close(false))
}

func TestCloseReportsLeaks(t *testing.T) {
	f := newFixture(t, false)
	f.transport.EXPECT().CreateKernelObject(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(kmd.Handle(1), nil)
	f.transport.EXPECT().CreateKernelObject(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(kmd.Handle(2), nil)
	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(1)).Return(nil)
	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(2)).Return(errors.New("EBUSY"))

	_, err := f.registry.CreateOrShare(Source{Size: 4096, Banks: memutils.BankMaskOf(0)})
	require.NoError(t, err)
	_, err = f.registry.CreateOrShare(Source{Size: 4096, Banks: memutils.BankMaskOf(1)})
	require.NoError(t, err)

	err = f.registry.Close()
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 2)
	require.True(t, errors.Is(merr.Errors[0], ErrObjectsLeaked))

	require.Equal(t, uint64(0), f.occupied(t, 0))
	require.Equal(t, uint64(0), f.occupied(t, 1))
	require.Equal(t, 0, f.registry.Stats().Live)
}

func TestCreateForDescriptorRollsBack(t *testing.T) {
	f := newFixture(t, false)
	desc := &placement.StorageDescriptor{
		MemoryBanks:          memutils.BankMaskOf(0, 1),
		PageTablesVisibility: memutils.BankMaskOf(0, 1),
		Shape:                placement.ShapeStriped,
		Size:                 2 * memutils.PageSize64K,
		Stripes: []placement.StripeRange{
			{Bank: 0, Offset: 0, Size: memutils.PageSize64K},
			{Bank: 1, Offset: memutils.PageSize64K, Size: memutils.PageSize64K},
		},
	}

	gomock.InOrder(
		f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(0), uint64(memutils.PageSize64K), 0, gomock.Any(), false).Return(kmd.Handle(1), nil),
		f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(1), uint64(memutils.PageSize64K), 0, gomock.Any(), false).Return(kmd.Handle(0), errors.New("ENOSPC")),
		f.transport.EXPECT().DestroyKernelObject(kmd.Handle(1)).Return(nil),
	)

	objects, err := f.registry.CreateForDescriptor(0, desc, false)
	require.Nil(t, objects)
	require.True(t, errors.Is(err, memutils.ErrAllocationFailed))
	require.Equal(t, uint64(0), f.occupied(t, 0))
	require.Equal(t, uint64(0), f.occupied(t, 1))
}

func TestCreateForDescriptorTileInstanced(t *testing.T) {
	f := newFixture(t, false)
	desc := &placement.StorageDescriptor{
		MemoryBanks:          memutils.BankMaskOf(0, 2),
		PageTablesVisibility: memutils.BankMaskOf(0, 2),
		Shape:                placement.ShapeTileInstanced,
		Size:                 4096,
	}

	f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(0), uint64(4096), 0, gomock.Any(), false).Return(kmd.Handle(1), nil)
	f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(2), uint64(4096), 0, gomock.Any(), false).Return(kmd.Handle(2), nil)

	objects, err := f.registry.CreateForDescriptor(0, desc, false)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, uint64(4096), f.occupied(t, 0))
	require.Equal(t, uint64(0), f.occupied(t, 1))
	require.Equal(t, uint64(4096), f.occupied(t, 2))
}

func TestCreateForDescriptorPassesChunks(t *testing.T) {
	f := newFixture(t, false)
	desc := &placement.StorageDescriptor{
		MemoryBanks:          memutils.BankMaskOf(3),
		PageTablesVisibility: memutils.BankMaskOf(3),
		Shape:                placement.ShapeSingleBank,
		Size:                 4 * memutils.MegaByte,
		IsChunked:            true,
		NumChunks:            64,
		ChunkSize:            64 * memutils.KiloByte,
	}

	f.transport.EXPECT().CreateKernelObject(memutils.BankMaskOf(3), 4*memutils.MegaByte, 64, uint64(testPATIndex), false).Return(kmd.Handle(5), nil)
	f.transport.EXPECT().DestroyKernelObject(kmd.Handle(5)).Return(nil)

	objects, err := f.registry.CreateForDescriptor(0, desc, false)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, 64, objects[0].NumChunks())
	require.Equal(t, 4*memutils.MegaByte, f.occupied(t, 3))

	f.registry.Unreference(objects[0], true)
	require.Equal(t, uint64(0), f.occupied(t, 3))
}

func TestConcurrentImportsDestroyOncePerLifetime(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mock_kmd.NewMockTransport(ctrl)

	partition, err := vaheap.NewPartition(vaheap.PartitionOptions{
		HeapSizes: [kmd.HeapCount]uint64{memutils.MegaByte, memutils.MegaByte, 64 * memutils.MegaByte},
	})
	require.NoError(t, err)

	selector, err := banks.NewSelector(2, config.Default())
	require.NoError(t, err)

	registry, err := NewRegistry(slog.New(slog.NewTextHandler(os.Stdout)), Options{
		Transport: transport,
		Heap:      partition,
		Selector:  selector,
	})
	require.NoError(t, err)

	var destroyed atomic.Int32
	transport.EXPECT().DestroyKernelObject(kmd.Handle(77)).DoAndReturn(func(handle kmd.Handle) error {
		destroyed.Add(1)
		return nil
	}).AnyTimes()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				obj, err := registry.CreateOrShare(Source{Imported: true, Handle: 77, Size: 4096})
				if err != nil {
					panic(err)
				}
				registry.Unreference(obj, false)
			}
		}()
	}
	wg.Wait()

	stats := registry.Stats()
	require.Equal(t, 0, registry.SharedCount())
	require.Equal(t, 0, stats.Live)
	require.Equal(t, stats.Imported, uint64(destroyed.Load()))
	require.Equal(t, uint64(16*50), stats.Imported+stats.Reused)
	require.Equal(t, uint64(0), partition.Heap(kmd.HeapExternal).Used())
}
