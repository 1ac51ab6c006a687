package placement

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tilemem/memutils"
)

// StripeRange is one contiguous byte range of a striped allocation
type StripeRange struct {
	Bank   int
	Offset uint64
	Size   uint64
}

// ObjectExtent describes one kernel object required to back an allocation
type ObjectExtent struct {
	// Banks is the placement mask passed to the kernel
	Banks memutils.BankMask
	// Offset is the offset of the object's first byte within the allocation
	Offset uint64
	Size   uint64
	// NumChunks is the number of kernel chunks backing the object, zero when it is not chunked
	NumChunks int
}

// StorageDescriptor is the placement decision for one allocation
type StorageDescriptor struct {
	// MemoryBanks are the banks that physically back the allocation
	MemoryBanks memutils.BankMask
	// PageTablesVisibility are the banks whose page tables map the allocation
	PageTablesVisibility memutils.BankMask
	Shape                Shape
	Size                 uint64

	ColouringPolicy      ColouringPolicy
	ColouringGranularity uint64
	Stripes              []StripeRange

	IsChunked bool
	NumChunks int
	ChunkSize uint64

	IsLockable           bool
	CPUVisible           bool
	LocalOnlyRequired    bool
	ReadOnlyMultiStorage bool
	ResourceTag          string
}

// ClonesPageTables returns true if banks that do not back the allocation still map it
func (d *StorageDescriptor) ClonesPageTables() bool {
	return d.Shape == ShapeReplicated
}

func (d *StorageDescriptor) NumBanks() int {
	return d.MemoryBanks.Count()
}

func (d *StorageDescriptor) Validate() error {
	switch d.Shape {
	case ShapeNone:
		if !d.MemoryBanks.IsEmpty() {
			return errors.Newf("an allocation without bank affinity has memory banks %s", d.MemoryBanks)
		}
		return nil
	case ShapeSingleBank:
		if !d.MemoryBanks.IsSingle() || d.PageTablesVisibility != d.MemoryBanks {
			return errors.Newf("single bank allocation has memory banks %s visible on %s", d.MemoryBanks, d.PageTablesVisibility)
		}
	case ShapeReplicated:
		if d.MemoryBanks.IsEmpty() || !d.PageTablesVisibility.Contains(d.MemoryBanks) {
			return errors.Newf("replicated allocation has memory banks %s visible on %s", d.MemoryBanks, d.PageTablesVisibility)
		}
	case ShapeTileInstanced:
		if d.MemoryBanks.IsEmpty() || d.PageTablesVisibility != d.MemoryBanks {
			return errors.Newf("tile instanced allocation has memory banks %s visible on %s", d.MemoryBanks, d.PageTablesVisibility)
		}
	case ShapeStriped:
		if d.MemoryBanks.Count() < 2 {
			return errors.Newf("striped allocation has only %d memory banks", d.MemoryBanks.Count())
		}

		var total uint64
		for _, stripe := range d.Stripes {
			if !d.MemoryBanks.Test(stripe.Bank) {
				return errors.Newf("stripe at offset %d is on bank %d, which is not in %s", stripe.Offset, stripe.Bank, d.MemoryBanks)
			}
			if stripe.Offset != total {
				return errors.Newf("stripe at offset %d does not follow the previous stripe ending at %d", stripe.Offset, total)
			}
			total += stripe.Size
		}
		if total != d.Size {
			return errors.Newf("stripes cover %d bytes of a %d byte allocation", total, d.Size)
		}
	default:
		return errors.Newf("unknown shape: %s", d.Shape)
	}

	if d.IsChunked {
		if d.MemoryBanks.Count() != 1 {
			return errors.Newf("chunked allocation spans memory banks %s", d.MemoryBanks)
		}
		if d.NumChunks < 2 || d.ChunkSize == 0 {
			return errors.Newf("chunked allocation has %d chunks of size %d", d.NumChunks, d.ChunkSize)
		}
	}

	return nil
}

// Objects returns the kernel objects needed to back the allocation, in allocation order
func (d *StorageDescriptor) Objects() []ObjectExtent {
	switch d.Shape {
	case ShapeNone:
		return []ObjectExtent{{Size: d.Size}}
	case ShapeTileInstanced:
		objects := make([]ObjectExtent, 0, d.MemoryBanks.Count())
		for _, bank := range d.MemoryBanks.Banks() {
			objects = append(objects, ObjectExtent{Banks: memutils.BankMaskOf(bank), Size: d.Size})
		}
		return objects
	case ShapeStriped:
		if d.ColouringPolicy == ColouringMappingBased {
			return d.mappedObjects()
		}

		objects := make([]ObjectExtent, 0, len(d.Stripes))
		for _, stripe := range d.Stripes {
			objects = append(objects, ObjectExtent{
				Banks:  memutils.BankMaskOf(stripe.Bank),
				Offset: stripe.Offset,
				Size:   stripe.Size,
			})
		}
		return objects
	}

	extent := ObjectExtent{Banks: d.MemoryBanks, Size: d.Size}
	if d.IsChunked {
		extent.NumChunks = d.NumChunks
	}
	return []ObjectExtent{extent}
}

// mappedObjects creates one object per bank holding every stripe placed on that bank
func (d *StorageDescriptor) mappedObjects() []ObjectExtent {
	objects := make([]ObjectExtent, 0, d.MemoryBanks.Count())
	indexByBank := make(map[int]int, d.MemoryBanks.Count())

	for _, stripe := range d.Stripes {
		index, ok := indexByBank[stripe.Bank]
		if !ok {
			index = len(objects)
			indexByBank[stripe.Bank] = index
			objects = append(objects, ObjectExtent{
				Banks:  memutils.BankMaskOf(stripe.Bank),
				Offset: stripe.Offset,
			})
		}
		objects[index].Size += stripe.Size
	}

	return objects
}

func (d *StorageDescriptor) PrintParameters(json *jwriter.ObjectState) {
	json.Name("Shape").String(d.Shape.String())
	json.Name("Size").Float64(float64(d.Size))
	json.Name("MemoryBanks").String(d.MemoryBanks.String())
	json.Name("PageTablesVisibility").String(d.PageTablesVisibility.String())

	if d.Shape == ShapeStriped {
		json.Name("ColouringPolicy").String(d.ColouringPolicy.String())
		json.Name("ColouringGranularity").Float64(float64(d.ColouringGranularity))

		stripes := json.Name("Stripes").Array()
		for _, stripe := range d.Stripes {
			obj := stripes.Object()
			obj.Name("Bank").Int(stripe.Bank)
			obj.Name("Offset").Float64(float64(stripe.Offset))
			obj.Name("Size").Float64(float64(stripe.Size))
			obj.End()
		}
		stripes.End()
	}

	if d.IsChunked {
		json.Name("NumChunks").Int(d.NumChunks)
		json.Name("ChunkSize").Float64(float64(d.ChunkSize))
	}

	json.Name("IsLockable").Bool(d.IsLockable)
	json.Name("CPUVisible").Bool(d.CPUVisible)
	json.Name("LocalOnlyRequired").Bool(d.LocalOnlyRequired)

	if d.ReadOnlyMultiStorage {
		json.Name("ReadOnlyMultiStorage").Bool(true)
	}

	if d.ResourceTag != "" {
		json.Name("ResourceTag").String(d.ResourceTag)
	}
}
