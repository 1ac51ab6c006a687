package tmm

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/tilemem/chunking"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/placement"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this manager and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateAsyncDestroy destroys kernel objects on a background worker instead of on the goroutine
	// that released the last reference
	CreateAsyncDestroy
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateAsyncDestroy.Register("CreateAsyncDestroy")
}

// DeviceCapabilities is the part of the device capability table that is not derived from the kernel's
// memory regions
type DeviceCapabilities struct {
	// MultiStorageSupported allows stripeable allocations to be split across banks
	MultiStorageSupported bool
	// MultiTileISAPlacement places instruction heaps as one copy per tile
	MultiTileISAPlacement bool
	// DebuggingEnabled disables chunking
	DebuggingEnabled bool
	// ChunkingMode selects the allocation categories that may be chunked
	ChunkingMode chunking.Mode
	// BufferChunking allows buffers to be chunked
	BufferChunking bool
	// MinSizeForChunking is the smallest chunkable allocation. Zero selects the planner default.
	MinSizeForChunking uint64
}

// CreateOptions contains optional settings when creating a manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// Capabilities describes the device
	Capabilities DeviceCapabilities
	// Overrides is an optional snapshot of debug overrides. Leaving it nil selects config.Default().
	Overrides *config.Overrides
	// PolicyTable optionally replaces placement.DefaultPolicyTable()
	PolicyTable placement.PolicyTable
	// PATIndex is passed to the kernel with every buffer object creation
	PATIndex uint64
}
