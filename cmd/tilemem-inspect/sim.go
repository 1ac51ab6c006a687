package main

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tilemem/kmd"
	"github.com/vkngwrapper/tilemem/memutils"
)

// simTransport is an in-memory kernel that hands out sequential handles
type simTransport struct {
	regions []kmd.Region

	lock    sync.Mutex
	next    kmd.Handle
	objects map[kmd.Handle]uint64
}

var _ kmd.Transport = &simTransport{}

func newSimTransport(bankCount int, bankSize uint64) *simTransport {
	regions := []kmd.Region{{Class: kmd.MemoryClassSystem, Instance: 0}}
	for bank := 0; bank < bankCount; bank++ {
		regions = append(regions, kmd.Region{Class: kmd.MemoryClassDevice, Instance: bank, Size: bankSize})
	}

	return &simTransport{
		regions: regions,
		objects: make(map[kmd.Handle]uint64),
	}
}

func (t *simTransport) CreateKernelObject(banks memutils.BankMask, size uint64, numChunks int, patIndex uint64, shareable bool) (kmd.Handle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.next++
	t.objects[t.next] = size
	return t.next, nil
}

func (t *simTransport) DestroyKernelObject(handle kmd.Handle) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, ok := t.objects[handle]
	if !ok {
		return errors.Newf("unknown handle %d", handle)
	}
	delete(t.objects, handle)
	return nil
}

// ImportSharedHandle treats the os handle as a kernel handle created earlier
func (t *simTransport) ImportSharedHandle(osHandle int) (kmd.Handle, uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	size, ok := t.objects[kmd.Handle(osHandle)]
	if !ok {
		return 0, 0, errors.Newf("no object is exported as %d", osHandle)
	}
	return kmd.Handle(osHandle), size, nil
}

func (t *simTransport) QueryLocalMemoryRegions() ([]kmd.Region, error) {
	return t.regions, nil
}

func (t *simTransport) liveObjects() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.objects)
}
