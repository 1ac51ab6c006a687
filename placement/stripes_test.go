package placement

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tilemem/memutils"
)

func TestDeviceCountStripes(t *testing.T) {
	stripes := ComputeStripes(allTiles, 18*memutils.PageSize64K, ColouringDeviceCountBased, memutils.PageSize64K)

	require.Equal(t, []StripeRange{
		{Bank: 0, Offset: 0, Size: 5 * memutils.PageSize64K},
		{Bank: 1, Offset: 5 * memutils.PageSize64K, Size: 5 * memutils.PageSize64K},
		{Bank: 2, Offset: 10 * memutils.PageSize64K, Size: 4 * memutils.PageSize64K},
		{Bank: 3, Offset: 14 * memutils.PageSize64K, Size: 4 * memutils.PageSize64K},
	}, stripes)
}

func TestDeviceCountStripesUnalignedSize(t *testing.T) {
	size := 4*memutils.PageSize64K + 100
	stripes := ComputeStripes(allTiles, size, ColouringDeviceCountBased, memutils.PageSize64K)

	require.Equal(t, []StripeRange{
		{Bank: 0, Offset: 0, Size: 2 * memutils.PageSize64K},
		{Bank: 1, Offset: 2 * memutils.PageSize64K, Size: memutils.PageSize64K},
		{Bank: 2, Offset: 3 * memutils.PageSize64K, Size: memutils.PageSize64K},
		{Bank: 3, Offset: 4 * memutils.PageSize64K, Size: 100},
	}, stripes)
}

func TestChunkSizeStripes(t *testing.T) {
	granularity := 256 * memutils.KiloByte
	stripes := ComputeStripes(allTiles, 18*memutils.PageSize64K, ColouringChunkSizeBased, granularity)

	require.Len(t, stripes, 5)
	for index, stripe := range stripes[:4] {
		require.Equal(t, index, stripe.Bank)
		require.Equal(t, granularity, stripe.Size)
		require.Equal(t, uint64(index)*granularity, stripe.Offset)
	}
	require.Equal(t, StripeRange{Bank: 0, Offset: 4 * granularity, Size: 2 * memutils.PageSize64K}, stripes[4])
}

func TestMappingBasedObjects(t *testing.T) {
	desc := StorageDescriptor{
		MemoryBanks:          allTiles,
		PageTablesVisibility: allTiles,
		Shape:                ShapeStriped,
		Size:                 18 * memutils.PageSize64K,
		ColouringPolicy:      ColouringMappingBased,
		ColouringGranularity: memutils.PageSize64K,
	}
	desc.Stripes = ComputeStripes(desc.MemoryBanks, desc.Size, desc.ColouringPolicy, desc.ColouringGranularity)
	require.NoError(t, desc.Validate())

	objects := desc.Objects()
	require.Len(t, objects, 4)

	for bank, object := range objects {
		require.Equal(t, memutils.BankMaskOf(bank), object.Banks)
		if bank < 2 {
			require.Equal(t, 5*memutils.PageSize64K, object.Size)
		} else {
			require.Equal(t, 4*memutils.PageSize64K, object.Size)
		}
	}
}

func TestStripesSumToSize(t *testing.T) {
	policies := []ColouringPolicy{ColouringDeviceCountBased, ColouringChunkSizeBased, ColouringMappingBased}
	granularities := []uint64{memutils.PageSize64K, 128 * memutils.KiloByte, memutils.MegaByte}
	sizes := []uint64{1, memutils.PageSize, memutils.PageSize64K - 1, memutils.PageSize64K + 1, 3*memutils.MegaByte + 12345, 64 * memutils.MegaByte, 1000003}

	for bankCount := 2; bankCount <= 8; bankCount++ {
		mask := memutils.AllBanks(bankCount)
		for _, policy := range policies {
			for _, granularity := range granularities {
				for _, size := range sizes {
					stripes := ComputeStripes(mask, size, policy, granularity)

					var total uint64
					for index, stripe := range stripes {
						require.Equal(t, total, stripe.Offset)
						require.True(t, mask.Test(stripe.Bank))
						require.NotZero(t, stripe.Size)
						if index < len(stripes)-1 {
							require.Zero(t, stripe.Size%granularity, "policy %s size %d banks %d", policy, size, bankCount)
						}
						total += stripe.Size
					}
					require.Equal(t, size, total, "policy %s size %d banks %d", policy, size, bankCount)

					var objectTotal uint64
					desc := StorageDescriptor{Shape: ShapeStriped, ColouringPolicy: policy, Stripes: stripes, MemoryBanks: mask, Size: size}
					for _, object := range desc.Objects() {
						require.True(t, object.Banks.IsSingle())
						objectTotal += object.Size
					}
					require.Equal(t, size, objectTotal)
				}
			}
		}
	}
}

func TestComputeStripesEmpty(t *testing.T) {
	require.Nil(t, ComputeStripes(0, memutils.MegaByte, ColouringDeviceCountBased, memutils.PageSize64K))
	require.Nil(t, ComputeStripes(allTiles, 0, ColouringChunkSizeBased, memutils.PageSize64K))
}

func TestObjectsByShape(t *testing.T) {
	testCases := map[string]struct {
		Desc     StorageDescriptor
		Expected []ObjectExtent
	}{
		"None": {
			Desc:     StorageDescriptor{Shape: ShapeNone, Size: 4096},
			Expected: []ObjectExtent{{Size: 4096}},
		},
		"Single": {
			Desc:     StorageDescriptor{Shape: ShapeSingleBank, MemoryBanks: memutils.BankMaskOf(2), Size: 4096},
			Expected: []ObjectExtent{{Banks: memutils.BankMaskOf(2), Size: 4096}},
		},
		"SingleChunked": {
			Desc: StorageDescriptor{
				Shape:       ShapeSingleBank,
				MemoryBanks: memutils.BankMaskOf(1),
				Size:        4 * memutils.MegaByte,
				IsChunked:   true,
				NumChunks:   64,
				ChunkSize:   64 * memutils.KiloByte,
			},
			Expected: []ObjectExtent{{Banks: memutils.BankMaskOf(1), Size: 4 * memutils.MegaByte, NumChunks: 64}},
		},
		"Replicated": {
			Desc:     StorageDescriptor{Shape: ShapeReplicated, MemoryBanks: memutils.BankMaskOf(0, 1), Size: 4096},
			Expected: []ObjectExtent{{Banks: memutils.BankMaskOf(0, 1), Size: 4096}},
		},
		"TileInstanced": {
			Desc: StorageDescriptor{Shape: ShapeTileInstanced, MemoryBanks: memutils.BankMaskOf(1, 3), Size: 4096},
			Expected: []ObjectExtent{
				{Banks: memutils.BankMaskOf(1), Size: 4096},
				{Banks: memutils.BankMaskOf(3), Size: 4096},
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Expected, testCase.Desc.Objects())
		})
	}
}

func TestValidateRejects(t *testing.T) {
	testCases := map[string]StorageDescriptor{
		"NoneWithBanks": {Shape: ShapeNone, MemoryBanks: memutils.BankMaskOf(0)},
		"SingleWithTwoBanks": {
			Shape:                ShapeSingleBank,
			MemoryBanks:          memutils.BankMaskOf(0, 1),
			PageTablesVisibility: memutils.BankMaskOf(0, 1),
		},
		"StripedOnOneBank": {
			Shape:                ShapeStriped,
			MemoryBanks:          memutils.BankMaskOf(0),
			PageTablesVisibility: memutils.BankMaskOf(0),
		},
		"StripesShort": {
			Shape:                ShapeStriped,
			MemoryBanks:          memutils.BankMaskOf(0, 1),
			PageTablesVisibility: memutils.BankMaskOf(0, 1),
			Size:                 100,
			Stripes:              []StripeRange{{Bank: 0, Offset: 0, Size: 50}},
		},
		"ChunkedAcrossBanks": {
			Shape:                ShapeTileInstanced,
			MemoryBanks:          memutils.BankMaskOf(0, 1),
			PageTablesVisibility: memutils.BankMaskOf(0, 1),
			IsChunked:            true,
			NumChunks:            2,
			ChunkSize:            memutils.PageSize64K,
		},
		"UnknownShape": {Shape: Shape(99)},
	}

	for name, desc := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, desc.Validate())
		})
	}
}

func TestPrintParameters(t *testing.T) {
	desc := StorageDescriptor{
		MemoryBanks:          memutils.BankMaskOf(0, 1),
		PageTablesVisibility: memutils.BankMaskOf(0, 1),
		Shape:                ShapeStriped,
		Size:                 2 * memutils.PageSize64K,
		ColouringPolicy:      ColouringDeviceCountBased,
		ColouringGranularity: memutils.PageSize64K,
		ResourceTag:          "scratch",
	}
	desc.Stripes = ComputeStripes(desc.MemoryBanks, desc.Size, desc.ColouringPolicy, desc.ColouringGranularity)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	desc.PrintParameters(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))
	require.Equal(t, "ShapeStriped", parsed["Shape"])
	require.Equal(t, "{0,1}", parsed["MemoryBanks"])
	require.Equal(t, "scratch", parsed["ResourceTag"])
	require.Len(t, parsed["Stripes"], 2)
}

func TestStringers(t *testing.T) {
	require.Equal(t, "AllocationTypeKernelISA", AllocationTypeKernelISA.String())
	require.Equal(t, "AllocationType(500)", AllocationType(500).String())
	require.Equal(t, "ShapeTileInstanced", ShapeTileInstanced.String())
	require.Equal(t, "ColouringMappingBased", ColouringMappingBased.String())
	require.Equal(t, "PolicyStripeable", PolicyStripeable.String())

	parsed, ok := ParseAllocationType("AllocationTypeSVMGPU")
	require.True(t, ok)
	require.Equal(t, AllocationTypeSVMGPU, parsed)

	_, ok = ParseAllocationType("Nonsense")
	require.False(t, ok)
}
