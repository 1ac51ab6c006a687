package bo

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/tilemem/banks"
	"github.com/vkngwrapper/tilemem/internal/utils"
	"github.com/vkngwrapper/tilemem/kmd"
	"github.com/vkngwrapper/tilemem/memutils"
	"github.com/vkngwrapper/tilemem/placement"
	"golang.org/x/exp/slog"
)

// ErrObjectsLeaked is reported by Registry.Close when buffer objects were still referenced
var ErrObjectsLeaked = errors.New("buffer objects leaked")

const (
	waitInitialInterval = 10 * time.Microsecond
	waitMaxInterval     = time.Millisecond
)

// Options configures a Registry
type Options struct {
	Transport kmd.Transport
	// Heap supplies the virtual address ranges of imported objects
	Heap     kmd.AddressHeap
	Selector *banks.Selector
	PATIndex uint64

	// ExternallySynchronized disables the registry mutex
	ExternallySynchronized bool
	// AsyncDestroy hands the final destruction of objects to a CloseWorker
	AsyncDestroy bool
	// PrintCreateDestroy logs every kernel object creation and destruction at info level
	PrintCreateDestroy bool
}

// Stats is a point-in-time view of the registry's counters
type Stats struct {
	Created   uint64
	Imported  uint64
	Reused    uint64
	Destroyed uint64
	Live      int
	Shared    int
}

// Registry creates and tracks buffer objects for one device
type Registry struct {
	logger    *slog.Logger
	transport kmd.Transport
	heap      kmd.AddressHeap
	selector  *banks.Selector
	patIndex  uint64
	printOps  bool

	mutex  *utils.OptionalMutex
	shared *swiss.Map[sharedKey, *BufferObject]
	live   *swiss.Map[*BufferObject, struct{}]

	worker *CloseWorker

	created   atomic.Uint64
	imported  atomic.Uint64
	reused    atomic.Uint64
	destroyed atomic.Uint64
}

func NewRegistry(logger *slog.Logger, options Options) (*Registry, error) {
	if options.Transport == nil || options.Heap == nil || options.Selector == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a registry requires a transport, an address heap and a bank selector")
	}

	registry := &Registry{
		logger:    logger,
		transport: options.Transport,
		heap:      options.Heap,
		selector:  options.Selector,
		patIndex:  options.PATIndex,
		printOps:  options.PrintCreateDestroy,
		mutex:     utils.NewOptionalMutex(!options.ExternallySynchronized),
		shared:    swiss.NewMap[sharedKey, *BufferObject](16),
		live:      swiss.NewMap[*BufferObject, struct{}](64),
	}

	if options.AsyncDestroy {
		worker, err := NewCloseWorker(logger, registry.closeAndLog)
		if err != nil {
			return nil, err
		}
		registry.worker = worker
	}

	return registry, nil
}

// Worker returns the registry's close worker, or nil when objects are destroyed synchronously
func (r *Registry) Worker() *CloseWorker {
	return r.worker
}

func (r *Registry) logOp(msg string, attrs ...any) {
	if r.printOps {
		r.logger.Info(msg, attrs...)
		return
	}
	r.logger.Debug(msg, attrs...)
}

// CreateOrShare returns a buffer object for the source. Imports of a handle already known for the same
// device return the existing object with one more reference.
func (r *Registry) CreateOrShare(source Source) (*BufferObject, error) {
	if source.Imported {
		return r.importShared(source)
	}

	handle, err := r.transport.CreateKernelObject(source.Banks, source.Size, source.NumChunks, r.patIndex, source.Shareable)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to create a %d byte kernel object on banks %s", source.Size, source.Banks), memutils.ErrAllocationFailed)
	}

	obj := &BufferObject{
		handle:      handle,
		deviceIndex: source.DeviceIndex,
		size:        source.Size,
		banks:       source.Banks,
		numChunks:   source.NumChunks,
	}
	obj.refCount.Store(1)

	r.selector.ReserveOnBanks(source.Banks, source.Size)
	r.created.Add(1)

	r.mutex.Lock()
	r.live.Put(obj, struct{}{})
	if source.Shareable {
		obj.reused.Store(true)
		r.shared.Put(obj.key(), obj)
	}
	r.mutex.Unlock()

	r.logOp("Registry::CreateOrShare created", slog.Int("Handle", int(handle)), slog.Int("Device", source.DeviceIndex),
		slog.Uint64("Size", source.Size), slog.String("Banks", source.Banks.String()), slog.Int("Chunks", source.NumChunks))
	return obj, nil
}

func (r *Registry) importShared(source Source) (*BufferObject, error) {
	key := sharedKey{handle: source.Handle, deviceIndex: source.DeviceIndex}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	obj, ok := r.shared.Get(key)
	if ok {
		obj.refCount.Add(1)
		r.reused.Add(1)
		r.logger.Debug("Registry::CreateOrShare reused", slog.Int("Handle", int(source.Handle)), slog.Int("RefCount", int(obj.RefCount())))
		return obj, nil
	}

	unmapSize := memutils.AlignUp(source.Size, memutils.PageSize64K)
	address := r.heap.HeapAllocate(kmd.HeapExternal, unmapSize)
	if address == 0 {
		return nil, errors.Wrapf(memutils.ErrAllocationFailed, "no virtual address range of %d bytes for imported handle %d", unmapSize, source.Handle)
	}

	obj = &BufferObject{
		handle:      source.Handle,
		deviceIndex: source.DeviceIndex,
		size:        source.Size,
		imported:    true,
		gpuAddress:  address,
		unmapSize:   unmapSize,
	}
	obj.refCount.Store(1)
	obj.reused.Store(true)

	r.shared.Put(key, obj)
	r.live.Put(obj, struct{}{})
	r.imported.Add(1)

	r.logOp("Registry::CreateOrShare imported", slog.Int("Handle", int(source.Handle)), slog.Int("Device", source.DeviceIndex),
		slog.Uint64("Size", source.Size), slog.Uint64("GPUAddress", address))
	return obj, nil
}

// CreateForDescriptor creates every kernel object the descriptor needs. On failure, objects created so
// far are released.
func (r *Registry) CreateForDescriptor(deviceIndex int, desc *placement.StorageDescriptor, shareable bool) ([]*BufferObject, error) {
	extents := desc.Objects()
	objects := make([]*BufferObject, 0, len(extents))

	for _, extent := range extents {
		obj, err := r.CreateOrShare(Source{
			DeviceIndex: deviceIndex,
			Size:        extent.Size,
			Banks:       extent.Banks,
			NumChunks:   extent.NumChunks,
			Shareable:   shareable,
		})
		if err != nil {
			for _, created := range objects {
				r.Unreference(created, true)
			}
			return nil, err
		}

		objects = append(objects, obj)
	}

	return objects, nil
}

func (r *Registry) waitForSoleOwner(obj *BufferObject) {
	if obj.refCount.Load() <= 1 {
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = waitInitialInterval
	policy.MaxInterval = waitMaxInterval
	policy.MaxElapsedTime = 0

	_ = backoff.Retry(func() error {
		if obj.refCount.Load() > 1 {
			return errors.Newf("buffer object %d still has %d owners", obj.handle, obj.refCount.Load())
		}
		return nil
	}, policy)
}

// Unreference drops one reference and returns the count before the drop. With synchronous set, the call
// first waits until the caller is the only owner. The last owner removes the object from the shared map,
// releases its virtual address range and destroys it.
func (r *Registry) Unreference(obj *BufferObject, synchronous bool) uint32 {
	if synchronous {
		r.waitForSoleOwner(obj)
	}

	reused := obj.IsReused()
	if reused {
		r.mutex.Lock()
	}

	previous := obj.refCount.Add(-1) + 1
	if previous <= 0 {
		if reused {
			r.mutex.Unlock()
		}
		panic(errors.Wrapf(memutils.ErrUnrecoverable, "buffer object %d was unreferenced more times than it was referenced", obj.handle))
	}

	if previous > 1 {
		if reused {
			r.mutex.Unlock()
		}
		return uint32(previous)
	}

	if !reused {
		r.mutex.Lock()
	}
	r.forgetLocked(obj)
	r.mutex.Unlock()

	if r.worker != nil {
		r.worker.Push(obj)
	} else {
		r.closeAndLog(obj)
	}

	return uint32(previous)
}

func (r *Registry) forgetLocked(obj *BufferObject) {
	r.live.Delete(obj)

	if obj.IsReused() {
		r.shared.Delete(obj.key())
	}

	if obj.gpuAddress != 0 {
		r.heap.HeapFree(obj.gpuAddress, obj.unmapSize)
	}
}

func (r *Registry) closeObject(obj *BufferObject) error {
	err := r.transport.DestroyKernelObject(obj.handle)
	r.destroyed.Add(1)

	if !obj.imported {
		r.selector.FreeOnBanks(obj.banks, obj.size)
	}

	r.logOp("Registry::closeObject", slog.Int("Handle", int(obj.handle)), slog.Int("Device", obj.deviceIndex))
	if err != nil {
		return errors.Wrapf(err, "failed to destroy kernel object %d", obj.handle)
	}
	return nil
}

func (r *Registry) closeAndLog(obj *BufferObject) {
	err := r.closeObject(obj)
	if err != nil {
		r.logger.Error("Registry::closeObject FAILED", slog.Any("error", err))
	}
}

// SharedCount returns the number of objects currently registered for deduplication
func (r *Registry) SharedCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.shared.Count()
}

func (r *Registry) Stats() Stats {
	r.mutex.Lock()
	live := r.live.Count()
	shared := r.shared.Count()
	r.mutex.Unlock()

	return Stats{
		Created:   r.created.Load(),
		Imported:  r.imported.Load(),
		Reused:    r.reused.Load(),
		Destroyed: r.destroyed.Load(),
		Live:      live,
		Shared:    shared,
	}
}

// Close flushes the close worker and destroys every object that is still referenced. Leaked objects and
// destruction failures are reported together.
func (r *Registry) Close() error {
	var result *multierror.Error

	if r.worker != nil {
		r.worker.Close(true)
	}

	r.mutex.Lock()
	var leaked []*BufferObject
	r.live.Iter(func(obj *BufferObject, _ struct{}) bool {
		leaked = append(leaked, obj)
		return false
	})
	for _, obj := range leaked {
		r.forgetLocked(obj)
	}
	r.mutex.Unlock()

	if len(leaked) > 0 {
		r.logger.Warn("Registry::Close destroying leaked buffer objects", slog.Int("Count", len(leaked)))
		result = multierror.Append(result, errors.Wrapf(ErrObjectsLeaked, "%d buffer objects were still referenced", len(leaked)))
	}

	for _, obj := range leaked {
		obj.refCount.Store(0)
		err := r.closeObject(obj)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
