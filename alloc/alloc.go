// Package alloc implements the per-thread block and log-entry
// allocator: a persistent-bitmap-backed source of fresh logical blocks,
// fronted by a small volatile free list so that most allocations never
// touch the shared bitmap at all.
package alloc

import (
	"sort"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/core"
	"github.com/WiscADSL/MadFS/layout"
	"github.com/WiscADSL/MadFS/util"
)

// BitmapCapacity blocks are claimed from the shared bitmap at a time
// whenever the free list can't satisfy a request; any leftover is
// pushed onto the free list for the next call.
const BitmapCapacity = common.BitmapCapacity

// BitmapProvider is the shared bitmap region an Allocator claims whole
// words from. It is implemented by blktable's bitmap cache: alloc has
// no notion of where bitmap words physically live (inline in the meta
// block, or in an out-of-line BitmapBlock), matching how
// original_source/src/alloc.cpp's Allocator only ever calls
// Bitmap::alloc_batch on an opaque bitmap array.
type BitmapProvider interface {
	// AllocWord claims an entirely-free bitmap word at or after hint and
	// returns its flat word index and the claimed word. Alloc takes the
	// word's first block to be idx*BitmapCapacity, unless the provider
	// also has a DataBase(idx) method, whose answer it uses instead. It grows the bitmap region (allocating a new
	// BitmapBlock) if every existing word at or after hint is already
	// used.
	AllocWord(hint uint64) (wordIdx uint64, word layout.Bitmap, err error)
}

// AddrResolver maps a logical block index to its backing memory, as
// memtable.MemTable.GetAddr does.
type AddrResolver func(common.LogicalBlockIdx) ([]byte, error)

type freeRange struct {
	numBlocks uint32
	begin     common.LogicalBlockIdx
}

// Allocator is owned by exactly one thread (see file.Handle); it
// is never shared, so none of its state needs a lock.
type Allocator struct {
	bitmaps BitmapProvider
	addrOf  AddrResolver

	// freeList is sorted ascending by (numBlocks, begin), mirroring the
	// sorted std::vector<pair<uint32_t, LogicalBlockIdx>> in
	// original_source/src/alloc.cpp.
	freeList []freeRange

	recentWordIdx uint64

	logBlocks       []common.LogicalBlockIdx
	curLogBlock     layout.LogEntryBlockView
	freeLogLocalIdx uint64
}

// New constructs an Allocator drawing blocks from bitmaps and resolving
// logical block indices to memory through addrOf.
func New(bitmaps BitmapProvider, addrOf AddrResolver) *Allocator {
	return &Allocator{
		bitmaps:         bitmaps,
		addrOf:          addrOf,
		freeLogLocalIdx: layout.NumLogEntryPerBlock,
	}
}

// Alloc returns the first logical block of a run of numBlocks
// contiguous, freshly allocated blocks. numBlocks must not exceed
// BitmapCapacity: a caller needing more must split the request itself
// (as txmgr's alignedWrite and multiBlockWrite do, in runs of at most
// BitmapCapacity blocks).
func (a *Allocator) Alloc(numBlocks uint32) (common.LogicalBlockIdx, error) {
	if numBlocks == 0 || uint64(numBlocks) > BitmapCapacity {
		panic("alloc: numBlocks out of range")
	}

	if idx, ok := a.allocFromFreeList(numBlocks); ok {
		return idx, nil
	}

	wordIdx, _, err := a.bitmaps.AllocWord(a.recentWordIdx)
	if err != nil {
		return 0, err
	}
	a.recentWordIdx = wordIdx + 1

	// AllocWord claims the entire word (every bit set), so the run it
	// hands back always starts at the word's base, not some bit offset
	// within it.
	begin := common.LogicalBlockIdx(wordIdx * BitmapCapacity)
	if db, ok := a.bitmaps.(interface {
		DataBase(uint64) common.LogicalBlockIdx
	}); ok {
		begin = db.DataBase(wordIdx)
	}
	if uint64(numBlocks) < BitmapCapacity {
		a.pushFree(freeRange{numBlocks: uint32(BitmapCapacity) - numBlocks, begin: begin + common.LogicalBlockIdx(numBlocks)})
	}
	util.DPrintf(10, "alloc: allocated [%d, %d) from bitmap word %d", begin, uint64(begin)+uint64(numBlocks), wordIdx)
	return begin, nil
}

func (a *Allocator) allocFromFreeList(numBlocks uint32) (common.LogicalBlockIdx, bool) {
	i := sort.Search(len(a.freeList), func(i int) bool {
		return a.freeList[i].numBlocks >= numBlocks
	})
	if i == len(a.freeList) {
		return 0, false
	}

	r := a.freeList[i]
	begin := r.begin
	if r.numBlocks == numBlocks {
		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		return begin, true
	}

	// split in place: shrink and advance this range, keep the list sorted
	// by re-inserting it at its new position.
	a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
	a.pushFree(freeRange{numBlocks: r.numBlocks - numBlocks, begin: begin + common.LogicalBlockIdx(numBlocks)})
	return begin, true
}

func (a *Allocator) pushFree(r freeRange) {
	if r.numBlocks == 0 {
		return
	}
	i := sort.Search(len(a.freeList), func(i int) bool {
		if a.freeList[i].numBlocks != r.numBlocks {
			return a.freeList[i].numBlocks > r.numBlocks
		}
		return a.freeList[i].begin >= r.begin
	})
	a.freeList = append(a.freeList, freeRange{})
	copy(a.freeList[i+1:], a.freeList[i:])
	a.freeList[i] = r
}

// Free returns a contiguous run of numBlocks blocks starting at begin to
// the free list. begin of 0 is the null index and is silently ignored,
// matching original_source/src/alloc.cpp's free(0, ...) no-op.
func (a *Allocator) Free(begin common.LogicalBlockIdx, numBlocks uint32) {
	if begin == common.NullLogicalBlockIdx {
		return
	}
	a.pushFree(freeRange{numBlocks: numBlocks, begin: begin})
}

// FreeMany returns every non-null, non-contiguous-grouped run found in
// lidxs to the free list, coalescing adjacent indices the way
// original_source/src/alloc.cpp's free(recycle_image[], image_size)
// does for a garbage-collection recycle image.
func (a *Allocator) FreeMany(lidxs []common.LogicalBlockIdx) {
	var groupBegin common.LogicalBlockIdx
	var groupLen uint32

	flush := func() {
		if groupBegin != common.NullLogicalBlockIdx && groupLen > 0 {
			a.pushFree(freeRange{numBlocks: groupLen, begin: groupBegin})
		}
		groupBegin = common.NullLogicalBlockIdx
		groupLen = 0
	}

	for _, lidx := range lidxs {
		if lidx == common.NullLogicalBlockIdx {
			continue
		}
		if groupBegin != common.NullLogicalBlockIdx && lidx == groupBegin+common.LogicalBlockIdx(groupLen) {
			groupLen++
			continue
		}
		flush()
		groupBegin = lidx
		groupLen = 1
	}
	flush()
}

// NumFree returns the number of blocks currently sitting in this
// allocator's volatile free list, i.e. blocks this thread has claimed
// from the shared bitmap but not yet handed out. It says nothing about
// free space anywhere else (other threads' free lists, or bitmap words
// nobody has touched yet); mirroring original_source/src/alloc.cpp's
// own Allocator::num_free, which is a per-thread accounting figure, not
// a filesystem-wide free-space report.
func (a *Allocator) NumFree() uint32 {
	var n uint32
	for _, r := range a.freeList {
		n += r.numBlocks
	}
	return n
}

// AllocLogEntry returns a zeroed LogEntry slot ready to be filled in and
// written back with LogEntryBlockView.Put. If packAlign is set, a slot
// is skipped if necessary so the returned local index is even, giving
// the caller 16-byte alignment for entries that need it.
func (a *Allocator) AllocLogEntry(packAlign bool) (layout.LogEntryBlockView, common.LogicalBlockIdx, uint64, error) {
	if packAlign && a.freeLogLocalIdx%2 != 0 {
		a.freeLogLocalIdx++
	}

	if a.freeLogLocalIdx >= layout.NumLogEntryPerBlock {
		idx, err := a.Alloc(1)
		if err != nil {
			return layout.LogEntryBlockView{}, 0, 0, err
		}
		blk, err := a.addrOf(idx)
		if err != nil {
			return layout.LogEntryBlockView{}, 0, 0, core.New(core.IoError, err)
		}
		a.logBlocks = append(a.logBlocks, idx)
		a.curLogBlock = layout.NewLogEntryBlockView(blk)
		a.freeLogLocalIdx = 0
	}

	localIdx := a.freeLogLocalIdx
	a.curLogBlock.Zero(localIdx)
	a.freeLogLocalIdx++
	return a.curLogBlock, a.logBlocks[len(a.logBlocks)-1], localIdx, nil
}
