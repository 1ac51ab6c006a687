package memutils

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxBanks is the largest number of memory banks a BankMask can describe
const MaxBanks = 64

// BankMask is a bit-set of memory banks (tiles). Bit i set means bank i participates.
type BankMask uint64

// BankMaskOf builds a mask with each of the listed banks set
func BankMaskOf(banks ...int) BankMask {
	var mask BankMask
	for _, bank := range banks {
		mask = mask.With(bank)
	}
	return mask
}

// AllBanks returns a mask with the first bankCount banks set
func AllBanks(bankCount int) BankMask {
	if bankCount <= 0 {
		return 0
	}
	if bankCount >= MaxBanks {
		return ^BankMask(0)
	}
	return BankMask(1)<<bankCount - 1
}

func (m BankMask) Test(bank int) bool {
	if bank < 0 || bank >= MaxBanks {
		return false
	}
	return m&(1<<bank) != 0
}

func (m BankMask) With(bank int) BankMask {
	if bank < 0 || bank >= MaxBanks {
		return m
	}
	return m | 1<<bank
}

func (m BankMask) Without(bank int) BankMask {
	if bank < 0 || bank >= MaxBanks {
		return m
	}
	return m &^ (1 << bank)
}

func (m BankMask) Count() int     { return bits.OnesCount64(uint64(m)) }
func (m BankMask) IsEmpty() bool  { return m == 0 }
func (m BankMask) IsSingle() bool { return m != 0 && m&(m-1) == 0 }

// First returns the lowest set bank, or -1 if the mask is empty
func (m BankMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// Contains returns true if every bank in other is also in m
func (m BankMask) Contains(other BankMask) bool {
	return other&^m == 0
}

// Banks returns the indices of every set bank in ascending order
func (m BankMask) Banks() []int {
	banks := make([]int, 0, m.Count())
	for rest := uint64(m); rest != 0; rest &= rest - 1 {
		banks = append(banks, bits.TrailingZeros64(rest))
	}
	return banks
}

func (m BankMask) String() string {
	if m == 0 {
		return "{}"
	}

	var sb strings.Builder
	sb.WriteByte('{')
	for i, bank := range m.Banks() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(bank))
	}
	sb.WriteByte('}')
	return sb.String()
}
