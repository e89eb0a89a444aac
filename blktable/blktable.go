// Package blktable maintains the per-file virtual-to-logical block index
// by replaying the persistent transaction log, and derives the bitmap
// allocator's view of free space from the same fixed, deterministic
// placement used for BitmapBlocks. It corresponds to the BlkTable class
// in original_source/src/btable.{h,cpp}.
package blktable

import (
	"sync"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/layout"
	"github.com/WiscADSL/MadFS/util"
)

// BlkTable is the volatile virtual->logical block index for one open
// file. Reads consult it directly; writers extend it by replaying newly
// committed tx entries before they touch any data block, so every reader
// that has called Update at least once afterward sees a consistent
// mapping (spec §4, invariant I-VIEW).
type BlkTable struct {
	mu    sync.Mutex
	meta  layout.MetaBlockView
	addrOf AddrResolver

	table []common.LogicalBlockIdx

	// replay cursor: the next (block, local index) pair to apply within
	// the inline log or the out-of-line chain.
	inline         bool
	tailBlockIdx   common.LogicalBlockIdx
	tailLocalIdx   uint32
}

// New constructs an empty BlkTable over meta, not yet replayed.
func New(meta layout.MetaBlockView, addrOf AddrResolver) *BlkTable {
	return &BlkTable{
		meta:   meta,
		addrOf: addrOf,
		inline: true,
	}
}

// Get returns the logical block backing virtual block vidx, or
// common.NullLogicalBlockIdx if vidx has never been written.
func (t *BlkTable) Get(vidx common.VirtualBlockIdx) common.LogicalBlockIdx {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(vidx) >= uint64(len(t.table)) {
		return common.NullLogicalBlockIdx
	}
	return t.table[vidx]
}

func (t *BlkTable) resizeToFit(vidx common.VirtualBlockIdx) {
	need := uint64(vidx) + 1
	if need <= uint64(len(t.table)) {
		return
	}
	newCap := util.NextPow2(need)
	grown := make([]common.LogicalBlockIdx, newCap)
	copy(grown, t.table)
	t.table = grown
}

func (t *BlkTable) setRange(begin common.VirtualBlockIdx, lidx common.LogicalBlockIdx, n uint32) {
	t.resizeToFit(common.VirtualBlockIdx(uint64(begin) + uint64(n) - 1))
	for i := uint32(0); i < n; i++ {
		t.table[uint64(begin)+uint64(i)] = common.LogicalBlockIdx(uint64(lidx) + uint64(i))
	}
}

// Update replays every tx entry committed since the last call, applying
// inline entries directly and walking indirect entries' LogEntry chains
// to fill in their (possibly many) contiguous runs. When bitmaps is
// non-nil, every block a newly-applied entry maps is also marked
// allocated in it, used to rebuild a BitmapCache after a crash
// (original_source/src/btable.cpp's resize_to_fit + apply_tx).
func (t *BlkTable) Update(bitmaps *BitmapCache) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		var entry layout.TxEntry
		if t.inline {
			tx := t.meta.InlineTxLog()
			if t.tailLocalIdx >= uint32(layout.NumInlineTxEntry) {
				t.inline = false
				head, _ := t.meta.TxTailHint()
				t.tailBlockIdx = head
				t.tailLocalIdx = 0
				continue
			}
			entry = tx.Entry(t.tailLocalIdx)
		} else {
			if t.tailBlockIdx == common.NullLogicalBlockIdx {
				head, _ := t.meta.TxTailHint()
				if head == common.NullLogicalBlockIdx {
					return nil
				}
				t.tailBlockIdx = head
			}
			blk, err := t.addrOf(t.tailBlockIdx)
			if err != nil {
				return err
			}
			v := layout.NewTxLogBlockView(blk)
			if t.tailLocalIdx >= uint32(layout.NumTxEntryPerBlock) {
				next := v.Next()
				if next == common.NullLogicalBlockIdx {
					return nil
				}
				t.tailBlockIdx = next
				t.tailLocalIdx = 0
				continue
			}
			entry = v.Entry(t.tailLocalIdx)
		}

		if !entry.IsValid() {
			return nil
		}
		if err := t.applyEntry(entry, bitmaps); err != nil {
			return err
		}
		t.tailLocalIdx++
	}
}

func (t *BlkTable) applyEntry(entry layout.TxEntry, bitmaps *BitmapCache) error {
	if entry.IsDummy() {
		return nil
	}
	if entry.IsInline() {
		n, vidx, lidx := entry.InlineFields()
		t.setRange(vidx, lidx, n)
		if bitmaps != nil {
			t.markAllocated(lidx, n, bitmaps)
		}
		return nil
	}
	// indirect: walk the LogEntry chain.
	blockIdx, localIdx := entry.IndirectFields()
	for {
		blk, err := t.addrOf(blockIdx)
		if err != nil {
			return err
		}
		le := layout.NewLogEntryBlockView(blk).Get(uint64(localIdx))
		vidx := le.BeginVidx
		for c := uint32(0); c < le.NumChunks; c++ {
			n := le.ChunkLens[c]
			lidx := le.BeginLidxs[c]
			t.setRange(vidx, lidx, n)
			if bitmaps != nil {
				t.markAllocated(lidx, n, bitmaps)
			}
			vidx = common.VirtualBlockIdx(uint64(vidx) + uint64(n))
		}
		if !le.HasNext {
			return nil
		}
		blockIdx, localIdx = le.NextBlockIdx, le.NextLocalIdx
	}
}

func (t *BlkTable) markAllocated(begin common.LogicalBlockIdx, n uint32, bitmaps *BitmapCache) {
	for i := uint32(0); i < n; i++ {
		_ = bitmaps.SetAllocated(common.LogicalBlockIdx(uint64(begin) + uint64(i)))
	}
}
