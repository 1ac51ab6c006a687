package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/tilemem/chunking"
	"github.com/vkngwrapper/tilemem/memutils"
	"github.com/vkngwrapper/tilemem/metrics"
	"github.com/vkngwrapper/tilemem/placement"
	"github.com/vkngwrapper/tilemem/tmm"
)

var (
	typeName       string
	size           uint64
	multiContext   bool
	requestStripes bool
	readOnly       bool
	cpuAccess      bool
	count          int
	detailed       bool
	printMetrics   bool
)

var placeCmd = &cobra.Command{
	Use:   "place",
	Short: "Print the storage descriptor chosen for an allocation",
	RunE:  runPlace,
}

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Print the chunk plan for an allocation size",
	RunE:  runChunk,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Allocate and free allocations on a simulated device and print statistics",
	RunE:  runSimulate,
}

func init() {
	for _, cmd := range []*cobra.Command{placeCmd, chunkCmd, simulateCmd} {
		cmd.Flags().Uint64Var(&size, "size", memutils.MegaByte, "allocation size in bytes")
	}

	for _, cmd := range []*cobra.Command{placeCmd, simulateCmd} {
		cmd.Flags().StringVar(&typeName, "type", "Buffer", "allocation type, e.g. Buffer or AllocationTypeKernelISA")
		cmd.Flags().BoolVar(&multiContext, "multi-context", false, "allocation is used by a multi-tile command stream")
		cmd.Flags().BoolVar(&requestStripes, "multi-storage", false, "request striping across tiles")
		cmd.Flags().BoolVar(&readOnly, "read-only", false, "request one read-only copy per tile")
		cmd.Flags().BoolVar(&cpuAccess, "cpu-access", false, "allocation must be CPU visible")
	}

	simulateCmd.Flags().IntVar(&count, "count", 16, "number of allocations to make")
	simulateCmd.Flags().BoolVar(&detailed, "detailed", false, "list every live allocation")
	simulateCmd.Flags().BoolVar(&printMetrics, "metrics", false, "also print prometheus metrics")
}

func requestFlags() placement.Flags {
	var flags placement.Flags
	if multiContext {
		flags |= placement.FlagMultiContextCapable
	}
	if requestStripes {
		flags |= placement.FlagMultiStorage
	}
	if readOnly {
		flags |= placement.FlagReadOnlyMultiStorage
	}
	if cpuAccess {
		flags |= placement.FlagCPUAccessRequired
	}
	return flags
}

func runPlace(cmd *cobra.Command, args []string) error {
	allocationType, err := parseType(typeName)
	if err != nil {
		return err
	}

	manager, _, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	desc, err := manager.Engine().DecidePlacement(placement.Request{
		Type:  allocationType,
		Banks: manager.LocalBanks(),
		Size:  size,
		Flags: requestFlags(),
	})
	if err != nil {
		return err
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Type").String(allocationType.String())
	obj.Name("Flags").String(requestFlags().String())
	obj.Name("HumanSize").String(humanize.IBytes(size))
	desc.PrintParameters(&obj)

	objects := obj.Name("Objects").Array()
	for _, extent := range desc.Objects() {
		extentObj := objects.Object()
		extentObj.Name("Banks").String(extent.Banks.String())
		extentObj.Name("Offset").Float64(float64(extent.Offset))
		extentObj.Name("Size").Float64(float64(extent.Size))
		if extent.NumChunks > 0 {
			extentObj.Name("NumChunks").Int(extent.NumChunks)
		}
		extentObj.End()
	}
	objects.End()
	obj.End()

	if writer.Error() != nil {
		return writer.Error()
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(writer.Bytes()))
	return nil
}

func runChunk(cmd *cobra.Command, args []string) error {
	manager, _, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	planner := manager.Planner()
	plan, ok := planner.Plan(size, chunking.Environment{
		Category:         chunking.CategoryDevice,
		MultiSubDevice:   bankCount > 1,
		DebuggingEnabled: debugging,
		Buffer:           true,
	})

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Size").Float64(float64(size))
	obj.Name("HumanSize").String(humanize.IBytes(size))
	obj.Name("MinSize").Float64(float64(planner.MinSize()))
	obj.Name("Eligible").Bool(ok)
	obj.Name("ChunkSize").Float64(float64(planner.ChunkSize(size)))
	if ok {
		obj.Name("AlignedSize").Float64(float64(plan.AlignedSize))
		obj.Name("NumChunks").Int(plan.NumChunks)
	}
	obj.End()

	fmt.Fprintln(cmd.OutOrStdout(), string(writer.Bytes()))
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	allocationType, err := parseType(typeName)
	if err != nil {
		return err
	}

	manager, transport, err := newManager()
	if err != nil {
		return err
	}

	var allocations []*tmm.Allocation
	for i := 0; i < count; i++ {
		alloc, status, err := manager.AllocateInDevicePool(tmm.AllocationInfo{
			Type:  allocationType,
			Size:  size,
			Flags: requestFlags(),
		})
		if err != nil {
			return err
		}
		if status != tmm.StatusSuccess {
			fmt.Fprintf(os.Stderr, "allocation %d: %s\n", i, status)
			continue
		}
		allocations = append(allocations, alloc)
	}

	fmt.Fprintln(cmd.OutOrStdout(), manager.BuildStatsString(detailed))
	for bank, occupied := range manager.BankOccupancy() {
		fmt.Fprintf(os.Stderr, "bank %d: %s occupied\n", bank, humanize.IBytes(occupied))
	}

	if printMetrics {
		registry := prometheus.NewRegistry()
		err = registry.Register(metrics.NewCollector(manager, "sim0"))
		if err != nil {
			return err
		}

		families, err := registry.Gather()
		if err != nil {
			return err
		}
		for _, family := range families {
			_, err = expfmt.MetricFamilyToText(cmd.OutOrStdout(), family)
			if err != nil {
				return err
			}
		}
	}

	for _, alloc := range allocations {
		manager.Free(alloc)
	}

	err = manager.Close()
	if err != nil {
		return err
	}

	if transport.liveObjects() != 0 {
		return errors.Newf("%d kernel objects were never destroyed", transport.liveObjects())
	}
	return nil
}
