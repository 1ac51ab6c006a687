package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off for managers created with
// CreateExternallySynchronized, where the consumer guarantees single-threaded access.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func NewOptionalMutex(useMutex bool) *OptionalMutex {
	return &OptionalMutex{UseMutex: useMutex}
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
