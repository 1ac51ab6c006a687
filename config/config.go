// Package config holds the debug overrides that may pin or reshape placement decisions. Overrides are
// read once into an immutable snapshot that is passed by value into the bank selector, placement engine,
// and chunk planner.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/tilemem/memutils"
)

// EnvPrefix is the prefix used for override environment variables, e.g. TILEMEM_FORCE_SINGLE_TILE
const EnvPrefix = "TILEMEM"

// Unset is the sentinel for integer overrides that should defer to the computed policy
const Unset = -1

// Overrides is a snapshot of the recognized debug overrides. Integer fields set to Unset are ignored.
type Overrides struct {
	// ForceSingleTile pins every multi-bank placement to a single bank. It wins over ForceMultiTile.
	ForceSingleTile bool `mapstructure:"force_single_tile"`
	// ForceMultiTile pins every multi-bank placement to tile-instanced
	ForceMultiTile bool `mapstructure:"force_multi_tile"`
	// MultiStoragePolicy selects the stripe boundary policy: 0 device-count based, 1 chunk-size based,
	// 2 mapping based
	MultiStoragePolicy int `mapstructure:"multi_storage_policy"`
	// MultiStorageGranularity is the stripe granularity in KiB. It must be a power of two of at least 64.
	MultiStorageGranularity int64 `mapstructure:"multi_storage_granularity"`
	// ChunkSize is the requested kernel chunk size in bytes
	ChunkSize int64 `mapstructure:"chunk_size"`
	// ChunkCount is the requested number of kernel chunks
	ChunkCount int `mapstructure:"chunk_count"`
	// OverrideLeastOccupiedBank pins the bank selector result
	OverrideLeastOccupiedBank int `mapstructure:"override_least_occupied_bank"`
	// MinSizeForChunking is the smallest allocation, in bytes, that may be chunked
	MinSizeForChunking int64 `mapstructure:"min_size_for_chunking"`
	// PrintBOCreateDestroy logs every kernel object creation and destruction
	PrintBOCreateDestroy bool `mapstructure:"print_bo_create_destroy"`
}

// Default returns a snapshot with every override unset
func Default() Overrides {
	return Overrides{
		MultiStoragePolicy:        Unset,
		MultiStorageGranularity:   Unset,
		ChunkSize:                 Unset,
		ChunkCount:                Unset,
		OverrideLeastOccupiedBank: Unset,
		MinSizeForChunking:        Unset,
	}
}

// Validate returns memutils.ErrInvalidArgument for override values that can never be honored
func (o Overrides) Validate() error {
	if o.MultiStoragePolicy < Unset || o.MultiStoragePolicy > 2 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "multi_storage_policy must be between 0 and 2, but was %d", o.MultiStoragePolicy)
	}

	if o.MultiStorageGranularity != Unset {
		if o.MultiStorageGranularity < 64 {
			return errors.Wrapf(memutils.ErrInvalidArgument, "multi_storage_granularity must be at least 64, but was %d", o.MultiStorageGranularity)
		}
		err := memutils.CheckPow2(o.MultiStorageGranularity, "multi_storage_granularity")
		if err != nil {
			return errors.Mark(err, memutils.ErrInvalidArgument)
		}
	}

	if o.ChunkSize < Unset || o.ChunkCount < Unset || o.MinSizeForChunking < Unset {
		return errors.Wrap(memutils.ErrInvalidArgument, "chunking overrides may not be negative")
	}

	if o.OverrideLeastOccupiedBank < Unset || o.OverrideLeastOccupiedBank >= memutils.MaxBanks {
		return errors.Wrapf(memutils.ErrInvalidArgument, "override_least_occupied_bank must be below %d, but was %d", memutils.MaxBanks, o.OverrideLeastOccupiedBank)
	}

	return nil
}

// LeastOccupiedBank returns the pinned bank selector result, if one is set
func (o Overrides) LeastOccupiedBank() (int, bool) {
	return o.OverrideLeastOccupiedBank, o.OverrideLeastOccupiedBank != Unset
}

// Granularity returns the stripe granularity override in bytes, if one is set
func (o Overrides) Granularity() (uint64, bool) {
	if o.MultiStorageGranularity == Unset {
		return 0, false
	}
	return uint64(o.MultiStorageGranularity) * memutils.KiloByte, true
}

func setDefaults(v *viper.Viper, o Overrides) {
	v.SetDefault("force_single_tile", o.ForceSingleTile)
	v.SetDefault("force_multi_tile", o.ForceMultiTile)
	v.SetDefault("multi_storage_policy", o.MultiStoragePolicy)
	v.SetDefault("multi_storage_granularity", o.MultiStorageGranularity)
	v.SetDefault("chunk_size", o.ChunkSize)
	v.SetDefault("chunk_count", o.ChunkCount)
	v.SetDefault("override_least_occupied_bank", o.OverrideLeastOccupiedBank)
	v.SetDefault("min_size_for_chunking", o.MinSizeForChunking)
	v.SetDefault("print_bo_create_destroy", o.PrintBOCreateDestroy)
}

// Load reads overrides from the provided viper instance. Keys that are absent keep their Default value.
func Load(v *viper.Viper) (Overrides, error) {
	overrides := Default()
	setDefaults(v, overrides)

	err := v.Unmarshal(&overrides)
	if err != nil {
		return Default(), errors.Wrap(err, "unmarshaling overrides")
	}

	err = overrides.Validate()
	if err != nil {
		return Default(), err
	}

	return overrides, nil
}

// FromEnvironment reads overrides from TILEMEM_* environment variables
func FromEnvironment() (Overrides, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return Load(v)
}
