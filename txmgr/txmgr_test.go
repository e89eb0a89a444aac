package txmgr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WiscADSL/MadFS/alloc"
	"github.com/WiscADSL/MadFS/blktable"
	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/layout"
	"github.com/WiscADSL/MadFS/util"
)

// fakeFile stands in for memtable.MemTable: a plain map of logical
// block index to backing bytes. Real mmap'd memory needs no lock to
// hand out addresses concurrently, but this map does, so addrOf takes
// one purely to make the fake safe under concurrent callers (txmgr
// itself never serializes calls to AddrResolver).
type fakeFile struct {
	mu     sync.Mutex
	blocks map[common.LogicalBlockIdx][]byte
	meta   layout.MetaBlockView
}

func newFakeFile() *fakeFile {
	f := &fakeFile{blocks: make(map[common.LogicalBlockIdx][]byte)}
	metaBlk := make([]byte, layout.BlockSize)
	f.meta = layout.NewMetaBlockView(metaBlk)
	f.meta.Init(layout.BlockSize, 1)
	return f
}

func (f *fakeFile) addrOf(idx common.LogicalBlockIdx) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blk, ok := f.blocks[idx]
	if !ok {
		blk = make([]byte, layout.BlockSize)
		f.blocks[idx] = blk
	}
	return blk, nil
}

func (f *fakeFile) validate(common.LogicalBlockIdx) error { return nil }

func newHarness() (*fakeFile, *alloc.Allocator, *TxMgr) {
	f, bc, tm := newHarnessWithBitmapCache()
	return f, alloc.New(bc, f.addrOf), tm
}

// newHarnessWithBitmapCache exposes the shared BitmapCache directly, for
// tests that need more than one Allocator against the same file (every
// real writer thread brings its own Allocator but they all draw from
// the same shared, CAS-protected bitmap).
func newHarnessWithBitmapCache() (*fakeFile, *blktable.BitmapCache, *TxMgr) {
	f := newFakeFile()
	bc := blktable.NewBitmapCache(f.meta, f.addrOf, f.validate)
	bt := blktable.New(f.meta, f.addrOf)
	tm := New(f.meta, bt, f.addrOf, f.validate)
	return f, bc, tm
}

func TestTxMgrAlignedWriteAndPread(t *testing.T) {
	_, a, tm := newHarness()

	payload := make([]byte, 2*int(common.BlockSize))
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	n, err := tm.Pwrite(a, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = tm.Pread(got, 0, uint64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestTxMgrSingleBlockWriteOverlaysExistingData(t *testing.T) {
	_, a, tm := newHarness()

	full := make([]byte, common.BlockSize)
	for i := range full {
		full[i] = 0xAA
	}
	_, err := tm.Pwrite(a, full, 0)
	require.NoError(t, err)

	patch := []byte{1, 2, 3, 4}
	_, err = tm.Pwrite(a, patch, 10)
	require.NoError(t, err)

	got := make([]byte, common.BlockSize)
	_, err = tm.Pread(got, 0, common.BlockSize)
	require.NoError(t, err)

	assert.Equal(t, byte(0xAA), got[0])
	assert.Equal(t, patch, got[10:14])
	assert.Equal(t, byte(0xAA), got[14])
}

func TestTxMgrSingleBlockWriteOnUnmappedBlockZeroFills(t *testing.T) {
	_, a, tm := newHarness()

	patch := []byte{9, 9}
	_, err := tm.Pwrite(a, patch, 3)
	require.NoError(t, err)

	got := make([]byte, common.BlockSize)
	_, err = tm.Pread(got, 0, common.BlockSize)
	require.NoError(t, err)

	assert.Equal(t, byte(0), got[0])
	assert.Equal(t, patch, got[3:5])
	assert.Equal(t, byte(0), got[5])
}

func TestTxMgrMultiBlockUnalignedWriteCommitsAtomically(t *testing.T) {
	_, a, tm := newHarness()

	count := int(common.BlockSize) + 20
	payload := make([]byte, count)
	for i := range payload {
		payload[i] = byte((i + 7) % 256)
	}
	offset := uint64(common.BlockSize) - 5

	n, err := tm.Pwrite(a, payload, offset)
	require.NoError(t, err)
	assert.Equal(t, count, n)

	got := make([]byte, count)
	n, err = tm.Pread(got, offset, offset+uint64(count))
	require.NoError(t, err)
	assert.Equal(t, count, n)
	assert.Equal(t, payload, got)
}

func TestTxMgrPreadUncoveredRegionReturnsZero(t *testing.T) {
	_, _, tm := newHarness()

	buf := make([]byte, 16)
	n, err := tm.Pread(buf, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestTxMgrPreadStopsAtFileSize(t *testing.T) {
	_, a, tm := newHarness()

	_, err := tm.Pwrite(a, []byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := tm.Pread(buf, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

type fakeLiveness struct{ pinned []common.LogicalBlockIdx }

func (f fakeLiveness) PinnedTxBlocks() []common.LogicalBlockIdx { return f.pinned }

func TestTxMgrNeedsGCFalseWhileInline(t *testing.T) {
	_, _, tm := newHarness()
	ok, err := tm.NeedsGC()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxMgrNeedsGCFalseForSingleOutOfLineBlock(t *testing.T) {
	_, a, tm := newHarness()
	require.NoError(t, tm.overflowFromInline(a))

	ok, err := tm.NeedsGC()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxMgrNeedsGCTrueOnceChainHasThreeBlocks(t *testing.T) {
	_, a, tm := newHarness()
	require.NoError(t, tm.overflowFromInline(a))
	_, tail := tm.meta.TxTailHint()
	require.NoError(t, tm.overflowToNewBlock(a, tail))
	_, tail = tm.meta.TxTailHint()
	require.NoError(t, tm.overflowToNewBlock(a, tail))

	ok, err := tm.NeedsGC()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTxMgrTryGCStopsBeforeOldestPinnedBlock(t *testing.T) {
	_, a, tm := newHarness()
	require.NoError(t, tm.overflowFromInline(a))
	head, tail := tm.meta.TxTailHint()
	require.NoError(t, tm.overflowToNewBlock(a, tail))
	_, mid := tm.meta.TxTailHint()
	require.NoError(t, tm.overflowToNewBlock(a, mid))

	reclaimable, err := tm.TryGC(fakeLiveness{pinned: []common.LogicalBlockIdx{mid}})
	require.NoError(t, err)
	assert.Equal(t, []common.LogicalBlockIdx{head}, reclaimable)
}

func TestTxMgrTryGCWithNilLivenessReclaimsWholeChainButTail(t *testing.T) {
	_, a, tm := newHarness()
	require.NoError(t, tm.overflowFromInline(a))
	head, tail := tm.meta.TxTailHint()
	require.NoError(t, tm.overflowToNewBlock(a, tail))

	reclaimable, err := tm.TryGC(nil)
	require.NoError(t, err)
	assert.Equal(t, []common.LogicalBlockIdx{head}, reclaimable)
}

func TestTxMgrTryGCEmptyWhenChainTooShort(t *testing.T) {
	_, _, tm := newHarness()
	reclaimable, err := tm.TryGC(nil)
	require.NoError(t, err)
	assert.Empty(t, reclaimable)
}

func TestTxMgrImplicitOffsetWriteThenReadRoundTrip(t *testing.T) {
	_, a, tm := newHarness()

	n, err := tm.Write(a, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	tm.Offsets.Seek(0)
	got := make([]byte, 5)
	n, err = tm.Read(got, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), got)
}

// TestTxMgrConcurrentSingleBlockWritesAllSurvive drives several
// goroutines through singleBlockWrite's copy-on-write-and-retry path at
// once, each patching a disjoint byte range of the same virtual block
// with its own allocator (mirroring original_source's one-allocator-per-
// thread model). Every patch must survive the race: if cowBlock's OCC
// retry ever failed to re-check the mapping before committing (the bug
// fixed in txmgr/write.go), a losing goroutine's shadow copy could
// silently clobber a winner's already-committed patch, and this test
// would see a patch's bytes missing or overwritten with zeros.
func TestTxMgrConcurrentSingleBlockWritesAllSurvive(t *testing.T) {
	f, bc, tm := newHarnessWithBitmapCache()
	seedAlloc := alloc.New(bc, f.addrOf)

	// Seed the block so every patch has a known, non-zero surrounding
	// value to distinguish "lost update" from "never written".
	seed := make([]byte, common.BlockSize)
	for i := range seed {
		seed[i] = 0xFF
	}
	_, err := tm.Pwrite(seedAlloc, seed, 0)
	require.NoError(t, err)

	const numWriters = 8
	const patchLen = 64

	var wg sync.WaitGroup
	errs := make([]error, numWriters)
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			a := alloc.New(bc, f.addrOf)
			patch := make([]byte, patchLen)
			for i := range patch {
				patch[i] = byte(w + 1)
			}
			_, errs[w] = tm.Pwrite(a, patch, uint64(w*patchLen))
		}(w)
	}
	wg.Wait()

	for w := 0; w < numWriters; w++ {
		require.NoError(t, errs[w])
	}

	got := make([]byte, common.BlockSize)
	_, err = tm.Pread(got, 0, common.BlockSize)
	require.NoError(t, err)

	for w := 0; w < numWriters; w++ {
		want := make([]byte, patchLen)
		for i := range want {
			want[i] = byte(w + 1)
		}
		assert.Equal(t, want, got[w*patchLen:(w+1)*patchLen], "patch %d was lost or torn", w)
	}
	// Bytes outside every writer's range must still carry the original
	// seed, proving no patch spilled into or clobbered a neighbor.
	for i := numWriters * patchLen; i < len(got); i++ {
		assert.Equal(t, byte(0xFF), got[i])
	}
}

// TestTxMgrConcurrentOverlappingWritesProduceOneWholeWinner drives
// several goroutines through singleBlockWrite against the exact same
// byte range so their copy-on-write shadows race directly. Whichever
// write's commit lands last must win in full: partial interleaving
// (a block mixing bytes from more than one writer's pattern within the
// contested range) would mean a commit observed a stale mapping and
// clobbered a concurrent update undetected.
func TestTxMgrConcurrentOverlappingWritesProduceOneWholeWinner(t *testing.T) {
	f, bc, tm := newHarnessWithBitmapCache()

	const numWriters = 8
	const patchLen = 32

	var wg sync.WaitGroup
	errs := make([]error, numWriters)
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			a := alloc.New(bc, f.addrOf)
			patch := make([]byte, patchLen)
			for i := range patch {
				patch[i] = byte(w + 1)
			}
			_, errs[w] = tm.Pwrite(a, patch, 100)
		}(w)
	}
	wg.Wait()

	for w := 0; w < numWriters; w++ {
		require.NoError(t, errs[w])
	}

	got := make([]byte, patchLen)
	_, err := tm.Pread(got, 100, 100+uint64(patchLen))
	require.NoError(t, err)

	first := got[0]
	for _, b := range got {
		assert.Equal(t, first, b, "contested range is torn across multiple writers' patches")
	}
}

// TestAppendLogEntryPersistsEveryChainEntry stubs util.Persist to record
// every flush smaller than a full block (a LogEntry is always far
// smaller than common.BlockSize, so this cleanly separates entry
// persists from the data-block persists a real caller would also be
// doing) and asserts appendLogEntry flushes every entry in the chain,
// not just the terminal one. Grounded on
// original_source/src/tx/mgr.cpp's append_log_entry, which calls
// log_cursor->persist() for both the non-terminal and terminal entries
// before TxMgr::do_pwrite ever constructs the TxEntry that points at
// the chain's head.
func TestAppendLogEntryPersistsEveryChainEntry(t *testing.T) {
	_, a, _ := newHarness()

	const total = 70 // more than 2*common.MaxBlocksPerBody, forcing 3 chained entries
	beginLidxs := make([]common.LogicalBlockIdx, total)
	chunkLens := make([]uint32, total)
	for i := range beginLidxs {
		beginLidxs[i] = common.LogicalBlockIdx(i + 1)
		chunkLens[i] = 1
	}

	orig := util.Persist
	var entryPersists int
	util.Persist = func(b []byte) error {
		if len(b) < int(common.BlockSize) {
			entryPersists++
		}
		return orig(b)
	}
	defer func() { util.Persist = orig }()

	_, _, err := appendLogEntry(a, layout.LogOpOverwrite, 100, 0, beginLidxs, chunkLens)
	require.NoError(t, err)

	wantEntries := (total + int(common.MaxBlocksPerBody) - 1) / int(common.MaxBlocksPerBody)
	require.Greater(t, wantEntries, 1, "test setup should force a multi-entry chain")
	assert.Equal(t, wantEntries, entryPersists)
}
