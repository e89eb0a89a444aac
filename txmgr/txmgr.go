// Package txmgr drives the commit protocol: classifying a write as
// aligned, single-block, or multi-block unaligned, reserving a slot in
// the transaction log, filling indirect log-entry chains, and keeping
// the volatile block table caught up before a read or write is
// acknowledged. Grounded on original_source/src/tx/mgr.cpp's TxMgr.
package txmgr

import (
	"sync"
	"sync/atomic"

	"github.com/WiscADSL/MadFS/alloc"
	"github.com/WiscADSL/MadFS/blktable"
	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/layout"
	"github.com/WiscADSL/MadFS/util"
)

// AddrResolver maps a logical block index to its backing memory.
type AddrResolver func(common.LogicalBlockIdx) ([]byte, error)

// Validator grows the backing file so idx is addressable.
type Validator func(common.LogicalBlockIdx) error

// TxMgr is the single per-file commit-path owner; individual writer
// threads bring their own *alloc.Allocator. Its coarse commitMu mirrors
// the teacher's own txn.Txn.mu: reservation is not the hot path here
// (payload copy and persist dominate), so a single lock around "find or
// make the next free slot" is simpler than a fully lock-free scheme and
// is still never held across a data-block persist.
type TxMgr struct {
	meta   layout.MetaBlockView
	blk    *blktable.BlkTable
	addrOf AddrResolver
	valid  Validator

	Offsets *OffsetMgr

	commitMu sync.Mutex
	tailIdx  atomic.Uint64 // packed {blockIdx:32, localIdx:32}; blockIdx 0 means "inline region"
}

func packTail(blockIdx common.LogicalBlockIdx, localIdx uint32) uint64 {
	return uint64(blockIdx)<<32 | uint64(localIdx)
}

func unpackTail(w uint64) (common.LogicalBlockIdx, uint32) {
	return common.LogicalBlockIdx(w >> 32), uint32(w)
}

// New constructs a TxMgr over meta and blk. Callers must call CatchUp at
// least once before serving any read.
func New(meta layout.MetaBlockView, blk *blktable.BlkTable, addrOf AddrResolver, valid Validator) *TxMgr {
	return &TxMgr{meta: meta, blk: blk, addrOf: addrOf, valid: valid, Offsets: NewOffsetMgr()}
}

// CatchUp replays every tx entry committed since the last call so reads
// and OCC conflict checks observe an up to date block table.
func (tm *TxMgr) CatchUp() error {
	return tm.blk.Update(nil)
}

// BlockTable exposes the replayed virtual->logical index for readers.
func (tm *TxMgr) BlockTable() *blktable.BlkTable { return tm.blk }

// commitEntry reserves the next free tx-log slot under commitMu and
// stores entry into it, allocating and linking a fresh TxLogBlock via a
// if every existing block's slots are exhausted.
func (tm *TxMgr) commitEntry(a *alloc.Allocator, entry layout.TxEntry) error {
	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	for {
		blockIdx, localIdx := unpackTail(tm.tailIdx.Load())

		if blockIdx == common.NullLogicalBlockIdx {
			tx := tm.meta.InlineTxLog()
			if idx := tx.TryCommit(entry, localIdx); idx >= 0 {
				tm.tailIdx.Store(packTail(common.NullLogicalBlockIdx, uint32(idx)+1))
				return nil
			}
			// The inline log is full: continue in the out-of-line chain if
			// one already exists (e.g. written before this TxMgr was made).
			if _, tail := tm.meta.TxTailHint(); tail != common.NullLogicalBlockIdx {
				tm.tailIdx.Store(packTail(tail, 0))
				continue
			}
			if err := tm.overflowFromInline(a); err != nil {
				return err
			}
			continue
		}

		blk, err := tm.addrOf(blockIdx)
		if err != nil {
			return err
		}
		v := layout.NewTxLogBlockView(blk)
		if idx := v.TryCommit(entry, localIdx); idx >= 0 {
			tm.tailIdx.Store(packTail(blockIdx, uint32(idx)+1))
			return nil
		}
		if err := tm.overflowToNewBlock(a, blockIdx); err != nil {
			return err
		}
	}
}

// overflowFromInline allocates the first out-of-line TxLogBlock once the
// meta block's inline region has filled up.
func (tm *TxMgr) overflowFromInline(a *alloc.Allocator) error {
	idx, err := a.Alloc(1)
	if err != nil {
		return err
	}
	blk, err := tm.addrOf(idx)
	if err != nil {
		return err
	}
	layout.NewTxLogBlockView(blk).SetPrev(common.NullLogicalBlockIdx)
	tm.meta.SetTxTailHint(idx, idx)
	tm.tailIdx.Store(packTail(idx, 0))
	return nil
}

// overflowToNewBlock allocates a new TxLogBlock, links it after
// curBlockIdx, and publishes it as the new tail hint.
func (tm *TxMgr) overflowToNewBlock(a *alloc.Allocator, curBlockIdx common.LogicalBlockIdx) error {
	idx, err := a.Alloc(1)
	if err != nil {
		return err
	}
	newBlk, err := tm.addrOf(idx)
	if err != nil {
		return err
	}
	layout.NewTxLogBlockView(newBlk).SetPrev(curBlockIdx)

	curBlk, err := tm.addrOf(curBlockIdx)
	if err != nil {
		return err
	}
	layout.NewTxLogBlockView(curBlk).PublishNext(idx)

	head, _ := tm.meta.TxTailHint()
	tm.meta.SetTxTailHint(head, idx)
	tm.tailIdx.Store(packTail(idx, 0))
	return nil
}

// appendLogEntry lays out an indirect commit's chain, splitting the
// (beginLidxs, chunkLens) runs across as many entries as
// layout.MaxBlocksPerBody-sized bodies require, and returns the head
// entry's (logBlockIdx, localIdx) for the TxEntry to point at. Grounded
// on original_source/src/tx/mgr.cpp's append_log_entry: every entry but
// the last is persisted with has_next set and leftover_bytes zero; only
// the terminal entry carries the write's real leftover byte count. Every
// entry, terminal or not, is persisted before this function returns:
// the caller (commitRun) builds the commit TxEntry from the returned
// head slot immediately afterward and makes it visible via commitEntry,
// so by the time a replayer can observe that TxEntry the whole chain it
// points at, including every has_next link, must already be durable.
func appendLogEntry(a *alloc.Allocator, op layout.LogOp, leftoverBytes uint16, beginVidx common.VirtualBlockIdx, beginLidxs []common.LogicalBlockIdx, chunkLens []uint32) (common.LogicalBlockIdx, uint64, error) {
	total := len(beginLidxs)
	nEntries := (total + int(layout.MaxBlocksPerBody) - 1) / int(layout.MaxBlocksPerBody)
	if nEntries == 0 {
		nEntries = 1
	}

	type reservedSlot struct {
		view     layout.LogEntryBlockView
		blockIdx common.LogicalBlockIdx
		localIdx uint64
	}
	slots := make([]reservedSlot, nEntries)
	for k := 0; k < nEntries; k++ {
		view, blockIdx, localIdx, err := a.AllocLogEntry(false)
		if err != nil {
			return 0, 0, err
		}
		slots[k] = reservedSlot{view, blockIdx, localIdx}
	}

	i := 0
	vidx := beginVidx
	for k := 0; k < nEntries; k++ {
		n := total - i
		if n > int(layout.MaxBlocksPerBody) {
			n = int(layout.MaxBlocksPerBody)
		}

		e := layout.LogEntry{Op: op, BeginVidx: vidx, NumChunks: uint32(n)}
		var runBlocks uint32
		for j := 0; j < n; j++ {
			e.BeginLidxs[j] = beginLidxs[i+j]
			e.ChunkLens[j] = chunkLens[i+j]
			runBlocks += chunkLens[i+j]
		}
		i += n
		vidx = common.VirtualBlockIdx(uint64(vidx) + uint64(runBlocks))

		if k+1 < nEntries {
			e.HasNext = true
			e.NextBlockIdx = slots[k+1].blockIdx
			e.NextLocalIdx = uint16(slots[k+1].localIdx)
		} else {
			e.LeftoverBytes = leftoverBytes
		}
		written := slots[k].view.Put(slots[k].localIdx, e)
		if err := util.Persist(written); err != nil {
			return 0, 0, err
		}
	}

	return slots[0].blockIdx, slots[0].localIdx, nil
}
