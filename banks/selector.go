// Package banks tracks how many bytes are resident on each physical memory bank of a multi-tile device
// and picks the least-occupied bank for new placements.
package banks

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/memutils"
)

// maskedBankCount is the number of bank bits honored by the mask-based operations
const maskedBankCount = 32

// Selector holds one atomic byte counter per bank. The bank count is fixed at construction.
//
// Least-occupied selection is evaluated at a point in time and may race with concurrent reservations
// on other goroutines. It is a load-balancing heuristic, not an allocator of disjoint ranges.
type Selector struct {
	occupied     []uint64
	pinnedBank   int
	bankIsPinned bool
}

// NewSelector creates a Selector for bankCount banks. bankCount must be between 1 and memutils.MaxBanks, and
// overrides must start from config.Default().
func NewSelector(bankCount int, overrides config.Overrides) (*Selector, error) {
	if bankCount <= 0 || bankCount > memutils.MaxBanks {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "bank count must be between 1 and %d, but was %d", memutils.MaxBanks, bankCount)
	}

	err := overrides.Validate()
	if err != nil {
		return nil, err
	}

	pinnedBank, bankIsPinned := overrides.LeastOccupiedBank()

	return &Selector{
		occupied:     make([]uint64, bankCount),
		pinnedBank:   pinnedBank,
		bankIsPinned: bankIsPinned,
	}, nil
}

func (s *Selector) BankCount() int {
	return len(s.occupied)
}

func (s *Selector) checkBank(bank int) error {
	if bank < 0 || bank >= len(s.occupied) {
		return errors.Wrapf(memutils.ErrOutOfRange, "bank %d is out of range for a device with %d banks", bank, len(s.occupied))
	}
	return nil
}

// LeastOccupiedBank returns the bank among candidates with the fewest occupied bytes, with ties going to
// the lowest index. Candidates beyond the bank count are ignored, and an empty candidate set yields bank 0.
func (s *Selector) LeastOccupiedBank(candidates memutils.BankMask) int {
	if s.bankIsPinned {
		return s.pinnedBank
	}

	bestBank := 0
	bestOccupied := uint64(0)
	found := false

	for bank := 0; bank < len(s.occupied); bank++ {
		if !candidates.Test(bank) {
			continue
		}

		occupied := atomic.LoadUint64(&s.occupied[bank])
		if !found || occupied < bestOccupied {
			bestBank = bank
			bestOccupied = occupied
			found = true
		}
	}

	return bestBank
}

func (s *Selector) ReserveOnBank(bank int, size uint64) error {
	err := s.checkBank(bank)
	if err != nil {
		return err
	}

	atomic.AddUint64(&s.occupied[bank], size)
	return nil
}

// FreeOnBank releases size bytes from the bank. Releasing more than is occupied is a lifetime tracking bug
// and panics.
func (s *Selector) FreeOnBank(bank int, size uint64) error {
	err := s.checkBank(bank)
	if err != nil {
		return err
	}

	for {
		current := atomic.LoadUint64(&s.occupied[bank])
		if current < size {
			panic(errors.Wrapf(memutils.ErrUnrecoverable, "occupied memory for bank %d went negative", bank))
		}

		if atomic.CompareAndSwapUint64(&s.occupied[bank], current, current-size) {
			return nil
		}
	}
}

func (s *Selector) OccupiedMemorySizeForBank(bank int) (uint64, error) {
	err := s.checkBank(bank)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint64(&s.occupied[bank]), nil
}

func (s *Selector) maskedBanks(mask memutils.BankMask) []int {
	limit := maskedBankCount
	if len(s.occupied) < limit {
		limit = len(s.occupied)
	}

	return (mask & memutils.AllBanks(limit)).Banks()
}

// ReserveOnBanks reserves size bytes on every bank in the mask. Only the low 32 bits of the mask are
// honored; higher banks are silently left untouched.
func (s *Selector) ReserveOnBanks(mask memutils.BankMask, size uint64) {
	for _, bank := range s.maskedBanks(mask) {
		atomic.AddUint64(&s.occupied[bank], size)
	}
}

// FreeOnBanks releases size bytes from every bank in the mask, with the same 32 bit limit as ReserveOnBanks
func (s *Selector) FreeOnBanks(mask memutils.BankMask, size uint64) {
	for _, bank := range s.maskedBanks(mask) {
		// Banks are in range by construction
		_ = s.FreeOnBank(bank, size)
	}
}

// Snapshot returns the current occupied byte count of every bank
func (s *Selector) Snapshot() []uint64 {
	snapshot := make([]uint64, len(s.occupied))
	for bank := range s.occupied {
		snapshot[bank] = atomic.LoadUint64(&s.occupied[bank])
	}
	return snapshot
}

func (s *Selector) String() string {
	return fmt.Sprintf("Selector%v", s.Snapshot())
}
