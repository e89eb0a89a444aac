package txmgr

import (
	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/layout"
)

// LivenessSource reports, for every still-initialized shm.PerThreadData
// slot, the tx block it currently has pinned. TxMgr takes this as an
// interface rather than importing package shm directly, so the commit
// path never depends on shared memory being available at all (see
// file.File, which passes its *shm.Mgr through an adapter only when one
// exists).
type LivenessSource interface {
	// PinnedTxBlocks returns the tx_block_idx of every live thread slot,
	// in no particular order. A thread with no pin yet (or a dead/unused
	// slot) is simply absent from the result.
	PinnedTxBlocks() []common.LogicalBlockIdx
}

// NeedsGC reports whether the out-of-line tx-log chain has grown long
// enough to be worth compacting, mirroring
// original_source/src/gc.h's GarbageCollector::need_gc: we skip GC
// while the chain is still entirely inline, while it's a single
// out-of-line block (head and tail coincide), or while it's two blocks
// (the head's next block is the tail).
func (tm *TxMgr) NeedsGC() (bool, error) {
	head, tail := tm.meta.TxTailHint()
	if head == common.NullLogicalBlockIdx {
		return false, nil
	}
	if head == tail {
		return false, nil
	}
	blk, err := tm.addrOf(head)
	if err != nil {
		return false, err
	}
	if layout.NewTxLogBlockView(blk).Next() == tail {
		return false, nil
	}
	return true, nil
}

// TryGC reports which leading out-of-line tx-log blocks are safe to
// reclaim right now: every block strictly before the oldest block any
// live thread has pinned via live.PinnedTxBlocks. It never frees
// anything itself — original_source/src/gc.h's GarbageCollector runs as
// a dedicated single-threaded process that rewrites the whole chain
// once it decides to act; this module leaves that policy decision (when
// to actually run, and what replaces the reclaimed blocks) to the
// caller and only answers the mechanical "what's currently unreferenced
// and unpinned" question.
func (tm *TxMgr) TryGC(live LivenessSource) ([]common.LogicalBlockIdx, error) {
	head, tail := tm.meta.TxTailHint()
	if head == common.NullLogicalBlockIdx || head == tail {
		return nil, nil
	}

	pinned := map[common.LogicalBlockIdx]bool{}
	if live != nil {
		for _, idx := range live.PinnedTxBlocks() {
			pinned[idx] = true
		}
	}

	var reclaimable []common.LogicalBlockIdx
	cur := head
	for cur != common.NullLogicalBlockIdx && cur != tail {
		if pinned[cur] {
			break
		}
		reclaimable = append(reclaimable, cur)

		blk, err := tm.addrOf(cur)
		if err != nil {
			return nil, err
		}
		cur = layout.NewTxLogBlockView(blk).Next()
	}
	return reclaimable, nil
}
