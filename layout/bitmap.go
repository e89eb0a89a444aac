package layout

import (
	"math/bits"

	"github.com/WiscADSL/MadFS/common"
)

// BitmapAllUsed is the bitmap word value once every one of its 64 blocks
// has been claimed.
const BitmapAllUsed uint64 = 0xffffffffffffffff

// NumBitmapPerBlock is the number of Bitmap words in one BitmapBlock.
const NumBitmapPerBlock = BlockSize / 8

// BitmapCapacity is the number of logical blocks one Bitmap word covers.
const BitmapCapacity = common.BitmapCapacity

// Bitmap is an 8-byte-aligned view onto one 64-bit allocation word living
// inside a BitmapBlock or the meta block's inline bitmap region. A set
// bit means the corresponding block is allocated; invariant 2 of the
// spec holds for every bit this type ever sets.
type Bitmap struct {
	blk []byte
	off int
}

func newBitmap(blk []byte, off int) Bitmap {
	return Bitmap{blk: blk, off: off}
}

func (bm Bitmap) load() uint64 { return loadUint64(bm.blk, bm.off) }

// AllocOne atomically claims the lowest free (zero) bit in the word and
// returns its index (0-63). It returns ok=false if every bit is already
// set.
func (bm Bitmap) AllocOne() (idx int, ok bool) {
	for {
		b := bm.load()
		if b == BitmapAllUsed {
			return 0, false
		}
		// lowest zero bit of b, isolated as a single set bit
		free := (^b) & (b + 1)
		if casUint64(bm.blk, bm.off, b, b|free) {
			return bits.TrailingZeros64(free), true
		}
	}
}

// AllocAll atomically transitions the word from entirely free (0) to
// entirely allocated (BitmapAllUsed). It returns false if the word was
// not entirely free.
func (bm Bitmap) AllocAll() bool {
	return casUint64(bm.blk, bm.off, 0, BitmapAllUsed)
}

// SetAllocated marks bit idx as allocated without checking its previous
// state; used while rebuilding the volatile bitmap cache from the block
// table (spec §4.4 step 3 "optionally call set_allocated").
func (bm Bitmap) SetAllocated(idx uint) {
	for {
		b := bm.load()
		nb := b | (uint64(1) << idx)
		if nb == b || casUint64(bm.blk, bm.off, b, nb) {
			return
		}
	}
}

// Free clears bit idx, returning the block to the free pool. Structural
// and never-allocated blocks must never have Free called on their bit;
// callers are responsible for that invariant.
func (bm Bitmap) Free(idx uint) {
	for {
		b := bm.load()
		nb := b &^ (uint64(1) << idx)
		if nb == b || casUint64(bm.blk, bm.off, b, nb) {
			return
		}
	}
}

// IsAllocated reports whether bit idx is set.
func (bm Bitmap) IsAllocated(idx uint) bool {
	return bm.load()&(uint64(1)<<idx) != 0
}

// PopCount returns the number of allocated bits in the word.
func (bm Bitmap) PopCount() int {
	return bits.OnesCount64(bm.load())
}

// BitmapBlockView is a BlockSize-byte block holding NumBitmapPerBlock
// Bitmap words, i.e. one BitmapBlock covers BitmapCapacity *
// NumBitmapPerBlock logical blocks.
type BitmapBlockView struct {
	blk []byte
}

// NewBitmapBlockView wraps blk (which must be BlockSize bytes) as a
// bitmap block.
func NewBitmapBlockView(blk []byte) BitmapBlockView {
	requireBlockSized(blk)
	return BitmapBlockView{blk: blk}
}

// Word returns the i-th Bitmap word in the block.
func (v BitmapBlockView) Word(i uint64) Bitmap {
	return newBitmap(v.blk, int(i*8))
}
