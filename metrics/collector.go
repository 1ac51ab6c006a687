// Package metrics exports bank occupancy and buffer object counters of a memory manager to prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/tilemem/bo"
)

// Source is the read-only view of a memory manager that the collector samples. *tmm.Manager implements it.
type Source interface {
	BankOccupancy() []uint64
	RegistryStats() bo.Stats
	AllocationCount() int
}

const (
	descBankOccupied = iota
	descObjectsCreated
	descObjectsImported
	descObjectsReused
	descObjectsDestroyed
	descObjectsLive
	descObjectsShared
	descAllocationsLive
)

type collector struct {
	source      Source
	descriptors []*prometheus.Desc
}

// NewCollector creates a collector for source. device is attached to every metric as a constant label.
func NewCollector(source Source, device string) prometheus.Collector {
	labels := prometheus.Labels{"device": device}

	return &collector{
		source: source,
		descriptors: []*prometheus.Desc{
			descBankOccupied: prometheus.NewDesc(
				"tilemem_bank_occupied_bytes",
				"Bytes resident on a memory bank.",
				[]string{"bank"}, labels,
			),
			descObjectsCreated: prometheus.NewDesc(
				"tilemem_buffer_objects_created_total",
				"Number of kernel buffer objects created.",
				nil, labels,
			),
			descObjectsImported: prometheus.NewDesc(
				"tilemem_buffer_objects_imported_total",
				"Number of shared handles imported as new buffer objects.",
				nil, labels,
			),
			descObjectsReused: prometheus.NewDesc(
				"tilemem_buffer_objects_reused_total",
				"Number of imports satisfied by an existing buffer object.",
				nil, labels,
			),
			descObjectsDestroyed: prometheus.NewDesc(
				"tilemem_buffer_objects_destroyed_total",
				"Number of kernel buffer objects destroyed.",
				nil, labels,
			),
			descObjectsLive: prometheus.NewDesc(
				"tilemem_buffer_objects_live",
				"Number of buffer objects that are still referenced.",
				nil, labels,
			),
			descObjectsShared: prometheus.NewDesc(
				"tilemem_buffer_objects_shared",
				"Number of buffer objects registered for deduplication.",
				nil, labels,
			),
			descAllocationsLive: prometheus.NewDesc(
				"tilemem_allocations_live",
				"Number of graphics allocations that have not been freed.",
				nil, labels,
			),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descriptors {
		ch <- desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for bank, occupied := range c.source.BankOccupancy() {
		ch <- prometheus.MustNewConstMetric(c.descriptors[descBankOccupied], prometheus.GaugeValue, float64(occupied), strconv.Itoa(bank))
	}

	stats := c.source.RegistryStats()
	ch <- prometheus.MustNewConstMetric(c.descriptors[descObjectsCreated], prometheus.CounterValue, float64(stats.Created))
	ch <- prometheus.MustNewConstMetric(c.descriptors[descObjectsImported], prometheus.CounterValue, float64(stats.Imported))
	ch <- prometheus.MustNewConstMetric(c.descriptors[descObjectsReused], prometheus.CounterValue, float64(stats.Reused))
	ch <- prometheus.MustNewConstMetric(c.descriptors[descObjectsDestroyed], prometheus.CounterValue, float64(stats.Destroyed))
	ch <- prometheus.MustNewConstMetric(c.descriptors[descObjectsLive], prometheus.GaugeValue, float64(stats.Live))
	ch <- prometheus.MustNewConstMetric(c.descriptors[descObjectsShared], prometheus.GaugeValue, float64(stats.Shared))
	ch <- prometheus.MustNewConstMetric(c.descriptors[descAllocationsLive], prometheus.GaugeValue, float64(c.source.AllocationCount()))
}

var _ prometheus.Collector = new(collector)
