package banks

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/memutils"
)

func newSelector(t *testing.T, bankCount int) *Selector {
	selector, err := NewSelector(bankCount, config.Default())
	require.NoError(t, err)
	return selector
}

func TestNewSelectorRejectsBadCounts(t *testing.T) {
	for _, count := range []int{0, -1, memutils.MaxBanks + 1} {
		_, err := NewSelector(count, config.Default())
		require.True(t, errors.Is(err, memutils.ErrInvalidArgument), "count %d", count)
	}
}

func TestLeastOccupiedBank(t *testing.T) {
	testCases := map[string]struct {
		Occupied   []uint64
		Candidates memutils.BankMask
		Expected   int
	}{
		"AllEmptyPicksLowest": {
			Occupied:   []uint64{0, 0, 0, 0},
			Candidates: memutils.AllBanks(4),
			Expected:   0,
		},
		"PicksMinimum": {
			Occupied:   []uint64{300, 100, 200, 400},
			Candidates: memutils.AllBanks(4),
			Expected:   1,
		},
		"TieGoesToLowestCandidate": {
			Occupied:   []uint64{50, 100, 100, 100},
			Candidates: memutils.BankMaskOf(1, 2, 3),
			Expected:   1,
		},
		"OnlyConsidersCandidates": {
			Occupied:   []uint64{0, 500, 100, 0},
			Candidates: memutils.BankMaskOf(1, 2),
			Expected:   2,
		},
		"EmptyCandidatesYieldZero": {
			Occupied:   []uint64{100, 0},
			Candidates: 0,
			Expected:   0,
		},
		"CandidatesBeyondCountIgnored": {
			Occupied:   []uint64{100, 200},
			Candidates: memutils.BankMaskOf(1, 5),
			Expected:   1,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			selector := newSelector(t, len(testCase.Occupied))
			for bank, size := range testCase.Occupied {
				require.NoError(t, selector.ReserveOnBank(bank, size))
			}

			require.Equal(t, testCase.Expected, selector.LeastOccupiedBank(testCase.Candidates))
		})
	}
}

func TestLeastOccupiedBankOverride(t *testing.T) {
	overrides := config.Default()
	overrides.OverrideLeastOccupiedBank = 3

	selector, err := NewSelector(4, overrides)
	require.NoError(t, err)
	require.NoError(t, selector.ReserveOnBank(3, 4096))

	require.Equal(t, 3, selector.LeastOccupiedBank(memutils.BankMaskOf(0, 1)))
}

func TestNewSelectorRejectsUnsetOverrides(t *testing.T) {
	_, err := NewSelector(4, config.Overrides{ForceMultiTile: true})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	overrides := config.Default()
	overrides.ForceMultiTile = true
	selector, err := NewSelector(4, overrides)
	require.NoError(t, err)
	require.NoError(t, selector.ReserveOnBank(0, 4096))
	require.Equal(t, 1, selector.LeastOccupiedBank(memutils.AllBanks(4)))
}

func TestBalanceUnderUniformLoad(t *testing.T) {
	for _, bankCount := range []int{1, 2, 3, 4, 8} {
		selector := newSelector(t, bankCount)
		all := memutils.AllBanks(bankCount)

		for round := 0; round < 3; round++ {
			seen := map[int]bool{}
			for i := 0; i < bankCount; i++ {
				bank := selector.LeastOccupiedBank(all)
				require.False(t, seen[bank], "bank %d repeated in round %d with %d banks", bank, round, bankCount)
				seen[bank] = true
				require.NoError(t, selector.ReserveOnBank(bank, 4096))
			}
		}
	}
}

func TestCalibrationScenario(t *testing.T) {
	selector := newSelector(t, 4)

	for i := 0; i < 4; i++ {
		bank := selector.LeastOccupiedBank(memutils.AllBanks(4))
		require.NoError(t, selector.ReserveOnBank(bank, 1024))
	}

	for bank := 0; bank < 4; bank++ {
		occupied, err := selector.OccupiedMemorySizeForBank(bank)
		require.NoError(t, err)
		require.Equal(t, uint64(1024), occupied)
	}
}

func TestRangeCheck(t *testing.T) {
	selector := newSelector(t, 3)

	for _, bank := range []int{3, 4, 63, -1} {
		require.True(t, errors.Is(selector.ReserveOnBank(bank, 1), memutils.ErrOutOfRange))
		require.True(t, errors.Is(selector.FreeOnBank(bank, 1), memutils.ErrOutOfRange))

		_, err := selector.OccupiedMemorySizeForBank(bank)
		require.True(t, errors.Is(err, memutils.ErrOutOfRange))
	}

	require.Equal(t, []uint64{0, 0, 0}, selector.Snapshot())
}

func TestReserveFreeRestores(t *testing.T) {
	selector := newSelector(t, 2)
	require.NoError(t, selector.ReserveOnBank(1, 777))

	for _, size := range []uint64{0, 1, 4096, memutils.GigaByte} {
		require.NoError(t, selector.ReserveOnBank(1, size))
		require.NoError(t, selector.FreeOnBank(1, size))

		occupied, err := selector.OccupiedMemorySizeForBank(1)
		require.NoError(t, err)
		require.Equal(t, uint64(777), occupied)
	}
}

func TestFreeBelowZeroPanics(t *testing.T) {
	selector := newSelector(t, 1)
	require.NoError(t, selector.ReserveOnBank(0, 10))

	require.Panics(t, func() {
		_ = selector.FreeOnBank(0, 11)
	})
}

func TestMaskTruncation(t *testing.T) {
	selector := newSelector(t, 33)

	selector.ReserveOnBanks(memutils.BankMask(0xFFFFFFFF), 1024)
	selector.ReserveOnBanks(memutils.BankMaskOf(32), 1024)

	for bank := 0; bank < 32; bank++ {
		occupied, err := selector.OccupiedMemorySizeForBank(bank)
		require.NoError(t, err)
		require.Equal(t, uint64(1024), occupied)
	}

	occupied, err := selector.OccupiedMemorySizeForBank(32)
	require.NoError(t, err)
	require.Equal(t, uint64(0), occupied)

	selector.FreeOnBanks(^memutils.BankMask(0), 1024)
	for _, occupied := range selector.Snapshot() {
		require.Equal(t, uint64(0), occupied)
	}
}

func TestConcurrentReserveFree(t *testing.T) {
	selector := newSelector(t, 4)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				bank := selector.LeastOccupiedBank(memutils.AllBanks(4))
				require.NoError(t, selector.ReserveOnBank(bank, 64))
				require.NoError(t, selector.FreeOnBank(bank, 64))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, []uint64{0, 0, 0, 0}, selector.Snapshot())
}
