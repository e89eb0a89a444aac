package blktable

import (
	"fmt"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/core"
	"github.com/WiscADSL/MadFS/layout"
)

// outOfLineRegionWords is the number of bitmap words in one out-of-line
// region: the inline region (word indices
// [0, layout.NumInlineBitmapWords)) lives inside the meta block, every
// later region is a single out-of-line BitmapBlock.
const outOfLineRegionWords = layout.NumBitmapPerBlock

// Diagram (original_source/src/layout.h): "the first few blocks
// following the meta block is always bitmap blocks". We generalize that
// fixed placement into a repeatable, fully deterministic scheme so the
// bitmap can grow with the file without ever needing to allocate a
// BitmapBlock through the very allocator it backs:
//
//	block 0                 meta block (inline bitmap covers blocks
//	                        [1, 1+inlineDataBlocks))
//	block 1+inlineDataBlocks  region-1 BitmapBlock (covers the next
//	                        outOfLineDataBlocks blocks)
//	block 1+inlineDataBlocks+1+outOfLineDataBlocks  region-2 BitmapBlock
//	...
//
// Because each region's placement is a pure function of its region
// number, BitmapCache never needs to persist a bitmap_block_idx ->
// LogicalBlockIdx table: AllocWord recomputes it on the fly.
const (
	inlineDataBlocks   = layout.NumInlineBitmapWords * layout.BitmapCapacity
	outOfLineDataBlocks = outOfLineRegionWords * layout.BitmapCapacity
)

// AddrResolver maps a logical block index to its backing memory.
type AddrResolver func(common.LogicalBlockIdx) ([]byte, error)

// Validator ensures the backing file is large enough to contain idx,
// growing it if necessary (memtable.MemTable.Validate).
type Validator func(common.LogicalBlockIdx) error

// BitmapCache implements alloc.BitmapProvider (structurally; this
// package never imports alloc to avoid a dependency cycle) over the
// deterministically-placed inline and out-of-line bitmap regions.
type BitmapCache struct {
	meta      layout.MetaBlockView
	addrOf    AddrResolver
	validate  Validator
}

// NewBitmapCache constructs a BitmapCache reading the inline bitmap from
// meta and out-of-line bitmap blocks through addrOf.
func NewBitmapCache(meta layout.MetaBlockView, addrOf AddrResolver, validate Validator) *BitmapCache {
	return &BitmapCache{meta: meta, addrOf: addrOf, validate: validate}
}

// regionBitmapBlockIdx returns the logical block index of the
// out-of-line BitmapBlock for region r (r >= 1).
func regionBitmapBlockIdx(r uint64) common.LogicalBlockIdx {
	// block 0 is meta; region 1's BitmapBlock sits right after the
	// inline region's data range.
	idx := uint64(1) + inlineDataBlocks
	for i := uint64(1); i < r; i++ {
		idx += 1 + outOfLineDataBlocks
	}
	return common.LogicalBlockIdx(idx)
}

func (c *BitmapCache) wordView(wordIdx uint64) (layout.Bitmap, common.LogicalBlockIdx, error) {
	if wordIdx < layout.NumInlineBitmapWords {
		return c.meta.InlineBitmap().Word(wordIdx), common.NullLogicalBlockIdx, nil
	}
	region := 1 + (wordIdx-layout.NumInlineBitmapWords)/outOfLineRegionWords
	localWord := (wordIdx - layout.NumInlineBitmapWords) % outOfLineRegionWords
	blockIdx := regionBitmapBlockIdx(region)
	if err := c.validate(blockIdx); err != nil {
		return layout.Bitmap{}, 0, err
	}
	blk, err := c.addrOf(blockIdx)
	if err != nil {
		return layout.Bitmap{}, 0, core.New(core.IoError, err)
	}
	return layout.NewBitmapBlockView(blk).Word(localWord), blockIdx, nil
}

// DataBase returns the logical block index of the first data block that
// bitmap word wordIdx describes.
func (c *BitmapCache) DataBase(wordIdx uint64) common.LogicalBlockIdx {
	if wordIdx < layout.NumInlineBitmapWords {
		return common.LogicalBlockIdx(1 + wordIdx*layout.BitmapCapacity)
	}
	region := 1 + (wordIdx-layout.NumInlineBitmapWords)/outOfLineRegionWords
	localWord := (wordIdx - layout.NumInlineBitmapWords) % outOfLineRegionWords
	base := uint64(regionBitmapBlockIdx(region)) + 1 + localWord*layout.BitmapCapacity
	return common.LogicalBlockIdx(base)
}

// WordForBlock returns the flat bitmap word index and in-word bit
// position responsible for logical block idx, used by SetAllocated
// during bitmap-cache rebuild.
func WordForBlock(idx common.LogicalBlockIdx) (wordIdx uint64, bit uint) {
	if uint64(idx) <= inlineDataBlocks {
		off := uint64(idx) - 1
		return off / layout.BitmapCapacity, uint(off % layout.BitmapCapacity)
	}
	for r := uint64(1); ; r++ {
		regionStart := uint64(regionBitmapBlockIdx(r))
		regionDataStart := regionStart + 1
		regionDataEnd := regionDataStart + outOfLineDataBlocks
		if uint64(idx) >= regionDataStart && uint64(idx) < regionDataEnd {
			off := uint64(idx) - regionDataStart
			return layout.NumInlineBitmapWords + (r-1)*outOfLineRegionWords + off/layout.BitmapCapacity, uint(off % layout.BitmapCapacity)
		}
		if regionDataEnd > uint64(idx) {
			panic(fmt.Sprintf("blktable: block %d does not belong to any bitmap region", idx))
		}
	}
}

// AllocWord claims the first entirely-free bitmap word at or after
// hint, growing into a new out-of-line BitmapBlock region if every
// existing word is exhausted.
func (c *BitmapCache) AllocWord(hint uint64) (uint64, layout.Bitmap, error) {
	for idx := hint; ; idx++ {
		w, _, err := c.wordView(idx)
		if err != nil {
			return 0, layout.Bitmap{}, err
		}
		if w.AllocAll() {
			return idx, w, nil
		}
	}
}

// SetAllocated marks the bit for logical block idx as allocated without
// checking its previous state, used while rebuilding the bitmap cache
// from a freshly replayed BlkTable (spec's "init_bitmap" pass).
func (c *BitmapCache) SetAllocated(idx common.LogicalBlockIdx) error {
	wordIdx, bit := WordForBlock(idx)
	w, _, err := c.wordView(wordIdx)
	if err != nil {
		return err
	}
	w.SetAllocated(bit)
	return nil
}
