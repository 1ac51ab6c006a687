// Package chunking decides whether a large allocation is split into several equally sized kernel
// objects, and what size those chunks are.
package chunking

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/memutils"
)

const (
	// DefaultChunkThreshold is the base chunk size. Chunkable sizes must be a multiple of it.
	DefaultChunkThreshold = memutils.PageSize64K
	// ChunkAlignment is the alignment the kernel requires of every chunk
	ChunkAlignment = memutils.PageSize64K
	// DefaultMinSizeForChunking is the smallest allocation that may be chunked
	DefaultMinSizeForChunking = 2 * memutils.MegaByte

	maxNudges = 4096
)

// Mode indicates which allocation categories are allowed to be chunked
type Mode uint32

var modeMapping = common.NewFlagStringMapping[Mode]()

func (m Mode) Register(str string) {
	modeMapping.Register(m, str)
}

func (m Mode) String() string {
	return modeMapping.FlagsToString(m)
}

const (
	ModeShared Mode = 1 << iota
	ModeDevice

	ModeDisabled Mode = 0
	ModeAll           = ModeShared | ModeDevice
)

func init() {
	ModeShared.Register("ModeShared")
	ModeDevice.Register("ModeDevice")
}

// Category is the unified-shared-memory category of an allocation
type Category int

const (
	CategoryDevice Category = iota
	CategoryShared
)

func (c Category) mode() Mode {
	if c == CategoryShared {
		return ModeShared
	}
	return ModeDevice
}

// Options holds the device-level chunking capabilities
type Options struct {
	// Mode selects the allocation categories that may be chunked
	Mode Mode
	// BufferChunking allows buffer allocations to be chunked
	BufferChunking bool
	// MinSize is the smallest chunkable allocation. Zero selects DefaultMinSizeForChunking.
	MinSize uint64
}

// Environment describes the allocation being considered for chunking
type Environment struct {
	Category         Category
	MultiSubDevice   bool
	DebuggingEnabled bool
	Buffer           bool
}

// Plan is the result of a successful chunking decision
type Plan struct {
	AlignedSize uint64
	ChunkSize   uint64
	NumChunks   int
}

type Planner struct {
	options   Options
	overrides config.Overrides
	minSize   uint64
}

func NewPlanner(options Options, overrides config.Overrides) *Planner {
	minSize := options.MinSize
	if minSize == 0 {
		minSize = DefaultMinSizeForChunking
	}
	if overrides.MinSizeForChunking != config.Unset {
		minSize = uint64(overrides.MinSizeForChunking)
	}

	return &Planner{
		options:   options,
		overrides: overrides,
		minSize:   minSize,
	}
}

func (p *Planner) MinSize() uint64 {
	return p.minSize
}

// Eligible returns true if an allocation of the given size may be chunked in the given environment
func (p *Planner) Eligible(size uint64, env Environment) bool {
	if size < p.minSize {
		return false
	}

	if size%DefaultChunkThreshold != 0 || (size/DefaultChunkThreshold)%2 != 0 {
		return false
	}

	if !env.MultiSubDevice || env.DebuggingEnabled {
		return false
	}

	if p.options.Mode&env.Category.mode() == 0 {
		return false
	}

	return env.Buffer && p.options.BufferChunking
}

// ChunkSize returns the chunk size to use for an allocation of the given size. The result always evenly
// divides the size aligned up to ChunkAlignment.
func (p *Planner) ChunkSize(size uint64) uint64 {
	alignedSize := memutils.AlignUp(size, ChunkAlignment)
	if alignedSize == 0 {
		return DefaultChunkThreshold
	}

	chunkSize := DefaultChunkThreshold
	if p.overrides.ChunkSize != config.Unset {
		requested := memutils.AlignDown(uint64(p.overrides.ChunkSize), ChunkAlignment)
		if requested != 0 {
			chunkSize = requested
		}
	}

	numChunks := alignedSize / chunkSize
	if p.overrides.ChunkCount > 0 {
		numChunks = uint64(p.overrides.ChunkCount)
	}
	if numChunks < 2 {
		numChunks = 2
	}

	chunkSize = memutils.AlignDown(alignedSize/numChunks, ChunkAlignment)
	if chunkSize == 0 {
		return DefaultChunkThreshold
	}

	if alignedSize%chunkSize == 0 {
		return chunkSize
	}

	candidate := chunkSize
	for i := 0; i < maxNudges && alignedSize%candidate != 0 && alignedSize/candidate > 1; i++ {
		candidate += ChunkAlignment
	}
	if alignedSize%candidate == 0 && alignedSize/candidate > 1 {
		return candidate
	}

	candidate = chunkSize
	for i := 0; i < maxNudges && alignedSize%candidate != 0 && candidate >= 2*ChunkAlignment; i++ {
		candidate -= ChunkAlignment
	}
	if alignedSize%candidate == 0 {
		return candidate
	}

	return DefaultChunkThreshold
}

// Plan combines Eligible and ChunkSize. The boolean is false when the allocation should not be chunked.
func (p *Planner) Plan(size uint64, env Environment) (Plan, bool) {
	if !p.Eligible(size, env) {
		return Plan{}, false
	}

	alignedSize := memutils.AlignUp(size, ChunkAlignment)
	chunkSize := p.ChunkSize(size)

	return Plan{
		AlignedSize: alignedSize,
		ChunkSize:   chunkSize,
		NumChunks:   int(alignedSize / chunkSize),
	}, true
}
