package placement

import "github.com/vkngwrapper/tilemem/memutils"

// ComputeStripes partitions size bytes across the banks in the mask. The returned ranges are contiguous,
// in offset order, and always sum to size. Every range is a multiple of granularity except possibly the
// last.
func ComputeStripes(mask memutils.BankMask, size uint64, policy ColouringPolicy, granularity uint64) []StripeRange {
	bankList := mask.Banks()
	if len(bankList) == 0 || size == 0 {
		return nil
	}
	if granularity == 0 {
		granularity = DefaultColouringGranularity
	}

	if policy == ColouringDeviceCountBased {
		return deviceCountStripes(bankList, size, granularity)
	}

	return granuleStripes(bankList, size, granularity)
}

func deviceCountStripes(bankList []int, size, granularity uint64) []StripeRange {
	stripes := make([]StripeRange, 0, len(bankList))
	remaining := size
	var offset uint64

	for index, bank := range bankList {
		banksLeft := uint64(len(bankList) - index)

		part := remaining
		if banksLeft > 1 {
			part = memutils.AlignUp(remaining/banksLeft, granularity)
			if part > remaining {
				part = remaining
			}
		}

		if part == 0 {
			continue
		}

		stripes = append(stripes, StripeRange{Bank: bank, Offset: offset, Size: part})
		offset += part
		remaining -= part
	}

	return stripes
}

func granuleStripes(bankList []int, size, granularity uint64) []StripeRange {
	stripes := make([]StripeRange, 0, (size+granularity-1)/granularity)

	for offset, index := uint64(0), 0; offset < size; offset, index = offset+granularity, index+1 {
		part := granularity
		if size-offset < part {
			part = size - offset
		}

		stripes = append(stripes, StripeRange{
			Bank:   bankList[index%len(bankList)],
			Offset: offset,
			Size:   part,
		})
	}

	return stripes
}
