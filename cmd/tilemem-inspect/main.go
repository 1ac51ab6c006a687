// Command tilemem-inspect prints placement decisions, chunk plans and manager statistics for a simulated
// multi-tile device.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/tilemem/chunking"
	"github.com/vkngwrapper/tilemem/config"
	"github.com/vkngwrapper/tilemem/kmd"
	"github.com/vkngwrapper/tilemem/memutils"
	"github.com/vkngwrapper/tilemem/placement"
	"github.com/vkngwrapper/tilemem/tmm"
	"github.com/vkngwrapper/tilemem/vaheap"
	"golang.org/x/exp/slog"
)

var (
	v = viper.New()

	verbose      bool
	bankCount    int
	bankSize     uint64
	multiStorage bool
	multiTileISA bool
	debugging    bool
	chunkingMode string
)

var rootCmd = &cobra.Command{
	Use:   "tilemem-inspect",
	Short: "Inspect tile memory placement decisions",
	Long: `tilemem-inspect runs the placement engine, chunk planner and memory manager
against a simulated device with the requested number of tiles.

Debug overrides are read from flags or from TILEMEM_* environment variables,
e.g. TILEMEM_FORCE_SINGLE_TILE=1.`,
	SilenceUsage: true,
}

func init() {
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.IntVar(&bankCount, "banks", 4, "number of tiles with local memory")
	flags.Uint64Var(&bankSize, "bank-size", 4*memutils.GigaByte, "bytes of local memory per tile")
	flags.BoolVar(&multiStorage, "multi-storage-supported", true, "device supports striping buffers across tiles")
	flags.BoolVar(&multiTileISA, "multi-tile-isa", false, "device places instruction heaps once per tile")
	flags.BoolVar(&debugging, "debugging", false, "debugger attached, disables chunking")
	flags.StringVar(&chunkingMode, "chunking", "all", "chunking mode: none, shared, device or all")

	flags.Bool("force-single-tile", false, "override: place every multi-tile allocation on one tile")
	flags.Bool("force-multi-tile", false, "override: place every multi-tile allocation on every tile")
	flags.Int("multi-storage-policy", config.Unset, "override: 0 device count, 1 chunk size, 2 mapping based colouring")
	flags.Int64("multi-storage-granularity", config.Unset, "override: stripe granularity in KiB")
	flags.Int64("chunk-size", config.Unset, "override: chunk size in bytes")
	flags.Int("chunk-count", config.Unset, "override: number of chunks")
	flags.Int("override-least-occupied-bank", config.Unset, "override: pin the least occupied bank")
	flags.Int64("min-size-for-chunking", config.Unset, "override: smallest chunkable allocation in bytes")
	flags.Bool("print-bo-create-destroy", false, "override: log buffer object creation and destruction")

	for _, name := range []string{
		"force-single-tile",
		"force-multi-tile",
		"multi-storage-policy",
		"multi-storage-granularity",
		"chunk-size",
		"chunk-count",
		"override-least-occupied-bank",
		"min-size-for-chunking",
		"print-bo-create-destroy",
	} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	rootCmd.AddCommand(placeCmd, chunkCmd, simulateCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
}

func parseChunkingMode(mode string) (chunking.Mode, error) {
	switch mode {
	case "none":
		return chunking.ModeDisabled, nil
	case "shared":
		return chunking.ModeShared, nil
	case "device":
		return chunking.ModeDevice, nil
	case "all":
		return chunking.ModeAll, nil
	}
	return chunking.ModeDisabled, errors.Wrapf(memutils.ErrInvalidArgument, "unknown chunking mode %q", mode)
}

func loadOverrides() (config.Overrides, error) {
	return config.Load(v)
}

// newManager creates a manager for the simulated device described by the persistent flags
func newManager() (*tmm.Manager, *simTransport, error) {
	if bankCount <= 0 || bankCount > memutils.MaxBanks {
		return nil, nil, errors.Wrapf(memutils.ErrInvalidArgument, "--banks must be between 1 and %d", memutils.MaxBanks)
	}

	overrides, err := loadOverrides()
	if err != nil {
		return nil, nil, err
	}

	mode, err := parseChunkingMode(chunkingMode)
	if err != nil {
		return nil, nil, err
	}

	partition, err := vaheap.NewPartition(vaheap.PartitionOptions{
		HeapSizes: [kmd.HeapCount]uint64{4 * memutils.GigaByte, 64 * memutils.GigaByte, 16 * memutils.GigaByte},
	})
	if err != nil {
		return nil, nil, err
	}

	transport := newSimTransport(bankCount, bankSize)
	manager, err := tmm.New(newLogger(), transport, partition, tmm.CreateOptions{
		Overrides: &overrides,
		Capabilities: tmm.DeviceCapabilities{
			MultiStorageSupported: multiStorage,
			MultiTileISAPlacement: multiTileISA,
			DebuggingEnabled:      debugging,
			ChunkingMode:          mode,
			BufferChunking:        true,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	return manager, transport, nil
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseType(name string) (placement.AllocationType, error) {
	allocationType, ok := placement.ParseAllocationType(name)
	if !ok {
		allocationType, ok = placement.ParseAllocationType("AllocationType" + name)
	}
	if !ok {
		return placement.AllocationTypeUnknown, errors.Wrapf(memutils.ErrInvalidArgument, "unknown allocation type %q", name)
	}
	return allocationType, nil
}
