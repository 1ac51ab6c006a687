package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T constraints.Unsigned](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T constraints.Unsigned](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// IsAligned returns true if value is a multiple of alignment
func IsAligned[T constraints.Unsigned](value T, alignment T) bool {
	return value&(alignment-1) == 0
}

const (
	KiloByte uint64 = 1024
	MegaByte        = 1024 * KiloByte
	GigaByte        = 1024 * MegaByte

	PageSize    = 4 * KiloByte
	PageSize64K = 64 * KiloByte
	PageSize2M  = 2 * MegaByte
)
