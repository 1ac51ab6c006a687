package memutils

import "math"

// Statistics counts kernel objects and the bytes they hold, along with the graphics allocations bound to them
type Statistics struct {
	ObjectCount     int
	AllocationCount int
	ObjectBytes     uint64
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	s.ObjectCount = 0
	s.AllocationCount = 0
	s.ObjectBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ObjectCount += other.ObjectCount
	s.AllocationCount += other.AllocationCount
	s.ObjectBytes += other.ObjectBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	SharedObjectCount int
	AllocationSizeMin uint64
	AllocationSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.SharedObjectCount = 0
	s.AllocationSizeMin = math.MaxUint64
	s.AllocationSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size uint64) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.SharedObjectCount += other.SharedObjectCount

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
