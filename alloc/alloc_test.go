package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/layout"
)

// fakeBitmaps is a BitmapProvider backed by a flat slice of bitmap
// words, used only by these tests; the real provider lives in blktable.
type fakeBitmaps struct {
	blk      []byte
	numWords uint64
	view     layout.BitmapBlockView
}

func newFakeBitmaps(numWords uint64) *fakeBitmaps {
	blk := make([]byte, layout.BlockSize)
	return &fakeBitmaps{blk: blk, numWords: numWords, view: layout.NewBitmapBlockView(blk)}
}

func (f *fakeBitmaps) AllocWord(hint uint64) (uint64, layout.Bitmap, error) {
	for idx := hint; idx < f.numWords; idx++ {
		w := f.view.Word(idx)
		if w.AllocAll() {
			return idx, w, nil
		}
	}
	return 0, layout.Bitmap{}, assert.AnError
}

func fakeAddrOf(blocks map[common.LogicalBlockIdx][]byte) AddrResolver {
	return func(idx common.LogicalBlockIdx) ([]byte, error) {
		if b, ok := blocks[idx]; ok {
			return b, nil
		}
		b := make([]byte, layout.BlockSize)
		blocks[idx] = b
		return b, nil
	}
}

func TestAllocFromBitmapAndPushesRemainderToFreeList(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))

	idx, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, common.LogicalBlockIdx(0), idx)
	require.Len(t, a.freeList, 1)
	assert.Equal(t, uint32(BitmapCapacity-10), a.freeList[0].numBlocks)
	assert.Equal(t, common.LogicalBlockIdx(10), a.freeList[0].begin)
}

func TestAllocExactMatchFromFreeList(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))

	_, err := a.Alloc(10) // seeds free list with a 54-block remainder
	require.NoError(t, err)

	idx, err := a.Alloc(uint32(BitmapCapacity) - 10)
	require.NoError(t, err)
	assert.Equal(t, common.LogicalBlockIdx(10), idx)
	assert.Empty(t, a.freeList)
}

func TestAllocSplitsFreeListEntry(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))

	_, err := a.Alloc(10) // remainder: 54 blocks starting at 10
	require.NoError(t, err)

	idx, err := a.Alloc(20)
	require.NoError(t, err)
	assert.Equal(t, common.LogicalBlockIdx(10), idx)
	require.Len(t, a.freeList, 1)
	assert.Equal(t, uint32(34), a.freeList[0].numBlocks)
	assert.Equal(t, common.LogicalBlockIdx(30), a.freeList[0].begin)
}

func TestAllocSecondWordAfterFirstExhausted(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))

	idx1, err := a.Alloc(uint32(BitmapCapacity))
	require.NoError(t, err)
	assert.Equal(t, common.LogicalBlockIdx(0), idx1)

	idx2, err := a.Alloc(uint32(BitmapCapacity))
	require.NoError(t, err)
	assert.Equal(t, common.LogicalBlockIdx(BitmapCapacity), idx2)
}

func TestNumFreeReflectsFreeListTotal(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))
	assert.Zero(t, a.NumFree())

	_, err := a.Alloc(10) // remainder: 54 blocks pushed to the free list
	require.NoError(t, err)
	assert.Equal(t, uint32(BitmapCapacity-10), a.NumFree())

	_, err = a.Alloc(20) // carved from the remainder, leaving 34 free
	require.NoError(t, err)
	assert.Equal(t, uint32(BitmapCapacity-10-20), a.NumFree())
}

func TestFreeIgnoresNullIndex(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))

	a.Free(common.NullLogicalBlockIdx, 5)
	assert.Empty(t, a.freeList)
}

func TestFreeManyCoalescesContiguousRuns(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	a := New(bitmaps, fakeAddrOf(map[common.LogicalBlockIdx][]byte{}))

	a.FreeMany([]common.LogicalBlockIdx{5, 6, 7, 0, 20, 21})
	require.Len(t, a.freeList, 2)

	total := uint32(0)
	for _, r := range a.freeList {
		total += r.numBlocks
	}
	assert.Equal(t, uint32(5), total)
}

func TestAllocLogEntryZeroesSlotAndAdvances(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	blocks := map[common.LogicalBlockIdx][]byte{}
	a := New(bitmaps, fakeAddrOf(blocks))

	view, blockIdx, localIdx, err := a.AllocLogEntry(false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), localIdx)
	// the fake maps word 0 to block 0, as in TestAllocFromBitmap
	assert.Equal(t, common.LogicalBlockIdx(0), blockIdx)
	assert.False(t, view.Get(localIdx).IsValid())

	_, _, localIdx2, err := a.AllocLogEntry(false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), localIdx2)
}

func TestAllocLogEntryPackAlignSkipsOddSlot(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	blocks := map[common.LogicalBlockIdx][]byte{}
	a := New(bitmaps, fakeAddrOf(blocks))

	_, _, _, err := a.AllocLogEntry(false)
	require.NoError(t, err)

	_, _, localIdx, err := a.AllocLogEntry(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), localIdx)
}

func TestAllocLogEntryOverflowsToNewBlock(t *testing.T) {
	bitmaps := newFakeBitmaps(4)
	blocks := map[common.LogicalBlockIdx][]byte{}
	a := New(bitmaps, fakeAddrOf(blocks))

	var lastBlock common.LogicalBlockIdx
	for i := uint64(0); i < layout.NumLogEntryPerBlock; i++ {
		_, blockIdx, _, err := a.AllocLogEntry(false)
		require.NoError(t, err)
		lastBlock = blockIdx
	}
	_, nextBlock, localIdx, err := a.AllocLogEntry(false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), localIdx)
	assert.NotEqual(t, lastBlock, nextBlock)
}
