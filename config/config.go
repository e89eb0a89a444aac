// Package config holds the runtime knobs that are implementation choices
// rather than part of the on-disk format: grow-unit size, preallocation
// size, huge-page usage, and the shared-memory thread-table size. The
// original ulayfs reads these from the environment at static-init time;
// we do the same with a constructor plus env-var overrides rather than a
// flags/viper-style library, matching the teacher's own preference for
// plain consts over a configuration framework.
package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/WiscADSL/MadFS/common"
)

var (
	errInvalidGrowUnit   = errors.New("config: grow unit size must be a positive multiple of the block size")
	errInvalidPrealloc   = errors.New("config: prealloc size must be a positive multiple of the grow unit size")
	errInvalidMaxThreads = errors.New("config: max num threads must be positive")
)

// Runtime holds the tunables for one opened file.
type Runtime struct {
	// GrowUnitSize is the quantum, in bytes, by which the backing file is
	// enlarged and mmapped. Must be a multiple of common.BlockSize.
	GrowUnitSize uint64
	// PreallocSize is the initial file size used when opening a zero-sized
	// file. Must be a multiple of GrowUnitSize.
	PreallocSize uint64
	// UseHugePage requests MAP_HUGETLB for grow-unit mappings.
	UseHugePage bool
	// MaxNumThreads bounds the number of PerThreadData slots in the shared
	// memory region.
	MaxNumThreads uint64
}

const (
	defaultGrowUnitSize uint64 = 4 << 20 // 4 MiB, one 2 MiB hugepage pair's worth of headroom
	defaultPreallocSize uint64 = 4 << 20
)

// Default returns the configuration ulayfs uses absent any environment
// overrides.
func Default() Runtime {
	return Runtime{
		GrowUnitSize:  defaultGrowUnitSize,
		PreallocSize:  defaultPreallocSize,
		UseHugePage:   false,
		MaxNumThreads: common.MaxNumThreadsDefault,
	}
}

// FromEnv returns Default() overridden by any of the
// MADFS_GROW_UNIT_SIZE / MADFS_PREALLOC_SIZE / MADFS_USE_HUGEPAGE /
// MADFS_MAX_NUM_THREADS environment variables that are set.
func FromEnv() Runtime {
	rt := Default()
	if v, ok := getenvUint(envGrowUnitSize); ok {
		rt.GrowUnitSize = v
	}
	if v, ok := getenvUint(envPreallocSize); ok {
		rt.PreallocSize = v
	}
	if v, ok := os.LookupEnv(envUseHugePage); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			rt.UseHugePage = b
		}
	}
	if v, ok := getenvUint(envMaxNumThreads); ok {
		rt.MaxNumThreads = v
	}
	return rt
}

const (
	envGrowUnitSize  = "MADFS_GROW_UNIT_SIZE"
	envPreallocSize  = "MADFS_PREALLOC_SIZE"
	envUseHugePage   = "MADFS_USE_HUGEPAGE"
	envMaxNumThreads = "MADFS_MAX_NUM_THREADS"
)

func getenvUint(name string) (uint64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GrowUnitBlocks is GrowUnitSize expressed in blocks.
func (rt Runtime) GrowUnitBlocks() uint64 {
	return rt.GrowUnitSize / common.BlockSize
}

// Validate checks that the tunables are internally consistent.
func (rt Runtime) Validate() error {
	if rt.GrowUnitSize == 0 || rt.GrowUnitSize%common.BlockSize != 0 {
		return errInvalidGrowUnit
	}
	if rt.PreallocSize == 0 || rt.PreallocSize%rt.GrowUnitSize != 0 {
		return errInvalidPrealloc
	}
	if rt.MaxNumThreads == 0 {
		return errInvalidMaxThreads
	}
	return nil
}
