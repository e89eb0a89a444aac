// Package memtable maintains the lazy mapping from LogicalBlockIdx to
// the mmap'd memory address holding that block, growing the backing
// file on demand. It is the "more low-level data structure than
// Allocator" the original calls MemTable: it virtualizes an
// arbitrarily-sized file on top of the host filesystem's block
// allocation.
package memtable

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/config"
	"github.com/WiscADSL/MadFS/core"
	"github.com/WiscADSL/MadFS/layout"
	"github.com/WiscADSL/MadFS/util"
)

// MemTable maps grow-unit-aligned logical block ranges to their mmap'd
// backing memory, growing the file with ftruncate as higher indices are
// requested.
type MemTable struct {
	fd int
	rt config.Runtime

	meta layout.MetaBlockView

	// numBlocksLocal is a local cache of meta.NumBlocks(), read without
	// synchronization; validate re-reads the authoritative copy from the
	// meta block before deciding it actually needs to grow the file.
	numBlocksLocal uint64

	mu    sync.RWMutex
	table map[common.LogicalBlockIdx][]byte
}

// New constructs an empty MemTable bound to fd.
func New(fd int, rt config.Runtime) *MemTable {
	return &MemTable{
		fd:    fd,
		rt:    rt,
		table: make(map[common.LogicalBlockIdx][]byte),
	}
}

// Init maps block 0 (and every grow unit already backed by the file) and
// returns the meta block view. fileSize is the current size, in bytes,
// of the already-opened file fd; it must be block-aligned. If fileSize
// is zero the file is grown to rt.PreallocSize first and the meta
// block's NumBlocks is set to the preallocated block count.
func (mt *MemTable) Init(fileSize uint64) (layout.MetaBlockView, error) {
	preallocated := fileSize == 0
	if fileSize%common.BlockSize != 0 {
		return layout.MetaBlockView{}, core.New(core.Corruption, nil)
	}

	growUnitBlocks := mt.rt.GrowUnitBlocks()
	if fileSize == 0 || fileSize%mt.rt.GrowUnitSize != 0 {
		if fileSize == 0 {
			fileSize = mt.rt.PreallocSize
		} else {
			units := fileSize/mt.rt.GrowUnitSize + 1
			fileSize = units * mt.rt.GrowUnitSize
		}
		if err := unix.Ftruncate(mt.fd, int64(fileSize)); err != nil {
			return layout.MetaBlockView{}, core.New(core.IoError, err)
		}
	}

	mmapFlags := unix.MAP_SHARED
	if mt.rt.UseHugePage {
		mmapFlags |= unix.MAP_HUGETLB
	}
	region, err := unix.Mmap(mt.fd, 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE, mmapFlags)
	if err != nil {
		return layout.MetaBlockView{}, core.New(core.IoError, err)
	}

	mt.meta = layout.NewMetaBlockView(region[:common.BlockSize])

	numBlocks := fileSize / common.BlockSize
	if preallocated {
		mt.meta.SetNumBlocks(numBlocks)
	}
	mt.mu.Lock()
	for idx := common.LogicalBlockIdx(0); uint64(idx) < numBlocks; idx += common.LogicalBlockIdx(growUnitBlocks) {
		off := uint64(idx) * common.BlockSize
		end := off + mt.rt.GrowUnitSize
		if end > fileSize {
			end = fileSize
		}
		mt.table[idx] = region[off:end]
	}
	mt.mu.Unlock()

	mt.numBlocksLocal = numBlocks
	util.DPrintf(2, "memtable: init fd=%d fileSize=%d numBlocks=%d", mt.fd, fileSize, numBlocks)
	return mt.meta, nil
}

// growNoLock ftruncates the backing file so idx is within it. Callers
// must hold meta's lock.
func (mt *MemTable) growNoLock(idx common.LogicalBlockIdx) error {
	if uint64(idx) < mt.meta.NumBlocks() {
		return nil
	}
	growUnitBlocks := mt.rt.GrowUnitBlocks()
	newNumBlocks := (uint64(idx)/growUnitBlocks + 1) * growUnitBlocks
	if err := unix.Ftruncate(mt.fd, int64(newNumBlocks*common.BlockSize)); err != nil {
		return core.New(core.IoError, err)
	}
	mt.meta.SetNumBlocks(newNumBlocks)
	return nil
}

// Validate ensures the backing file is large enough to contain idx,
// growing it under the meta lock if necessary. Three-tier fast path:
// local cache, then the meta block's authoritative count, then an
// actual grow under lock.
func (mt *MemTable) Validate(idx common.LogicalBlockIdx) error {
	if uint64(idx) < mt.numBlocksLocal {
		return nil
	}

	mt.numBlocksLocal = mt.meta.NumBlocks()
	if uint64(idx) < mt.numBlocksLocal {
		return nil
	}

	lock := mt.meta.MetaLock()
	for !lock.TryLockRecover() {
		runtime.Gosched()
	}
	defer lock.Unlock()
	if err := mt.growNoLock(idx); err != nil {
		return err
	}
	mt.numBlocksLocal = mt.meta.NumBlocks()
	return nil
}

func (mt *MemTable) growUnitStart(idx common.LogicalBlockIdx) common.LogicalBlockIdx {
	growUnitBlocks := mt.rt.GrowUnitBlocks()
	return common.LogicalBlockIdx(uint64(idx) / growUnitBlocks * growUnitBlocks)
}

// GetAddr returns the BlockSize-byte slice backing idx, mmapping a new
// grow unit on demand if idx hasn't been accessed before.
func (mt *MemTable) GetAddr(idx common.LogicalBlockIdx) ([]byte, error) {
	growUnitStart := mt.growUnitStart(idx)

	mt.mu.RLock()
	region, ok := mt.table[growUnitStart]
	mt.mu.RUnlock()
	if ok {
		return mt.blockIn(region, idx, growUnitStart), nil
	}

	if err := mt.Validate(idx); err != nil {
		return nil, err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if region, ok := mt.table[growUnitStart]; ok {
		return mt.blockIn(region, idx, growUnitStart), nil
	}

	mmapFlags := unix.MAP_SHARED
	if mt.rt.UseHugePage {
		mmapFlags |= unix.MAP_HUGETLB
	}
	offset := int64(uint64(growUnitStart) * common.BlockSize)
	region, err := unix.Mmap(mt.fd, offset, int(mt.rt.GrowUnitSize), unix.PROT_READ|unix.PROT_WRITE, mmapFlags)
	if err != nil {
		return nil, core.New(core.IoError, err)
	}
	mt.table[growUnitStart] = region
	return mt.blockIn(region, idx, growUnitStart), nil
}

func (mt *MemTable) blockIn(region []byte, idx, growUnitStart common.LogicalBlockIdx) []byte {
	blockOffset := (uint64(idx) - uint64(growUnitStart)) * common.BlockSize
	return region[blockOffset : blockOffset+common.BlockSize]
}

// Close unmaps every grow unit this MemTable has mapped. It does not
// close fd; the caller owns that.
func (mt *MemTable) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	var firstErr error
	for idx, region := range mt.table {
		if err := unix.Munmap(region); err != nil && firstErr == nil {
			firstErr = core.New(core.IoError, err)
		}
		delete(mt.table, idx)
	}
	return firstErr
}
