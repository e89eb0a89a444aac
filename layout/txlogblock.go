package layout

// NumTxEntryPerBlock is the number of TxEntry slots in one TxLogBlock:
// the block minus the two LogicalBlockIdx link fields, divided by 8.
const NumTxEntryPerBlock = (BlockSize - 8) / 8

// txLinkPrevOff and txLinkNextOff are the byte offsets of the prev/next
// links at the head of a TxLogBlock.
const (
	txLinkPrevOff = 0
	txLinkNextOff = 4
	txEntriesOff  = 8
)

// TxLogBlockView is a doubly-linked block of TxEntry slots.
//
// Entries are filled strictly front-to-back via CAS (TryCommit); next is
// published only once the block is declared full, matching spec §3's
// TxLogBlock description.
type TxLogBlockView struct {
	blk []byte
}

// NewTxLogBlockView wraps blk (which must be BlockSize bytes) as a
// transaction-log block.
func NewTxLogBlockView(blk []byte) TxLogBlockView {
	requireBlockSized(blk)
	return TxLogBlockView{blk: blk}
}

// Prev returns the previous tx-log block in the chain (0 if this is the
// first block).
func (v TxLogBlockView) Prev() LogicalBlockIdx {
	return LogicalBlockIdx(loadUint32(v.blk, txLinkPrevOff))
}

// SetPrev sets the previous-block link. Only the thread that allocated
// this block ever calls this, before the block is linked from anywhere
// else, so no synchronization is required.
func (v TxLogBlockView) SetPrev(idx LogicalBlockIdx) {
	storeUint32(v.blk, txLinkPrevOff, uint32(idx))
}

// Next returns the next tx-log block in the chain, or 0 if none has been
// published yet.
func (v TxLogBlockView) Next() LogicalBlockIdx {
	return LogicalBlockIdx(loadUint32(v.blk, txLinkNextOff))
}

// PublishNext links the next block into the chain with release
// semantics: once this returns, concurrent readers that observe the new
// link are guaranteed to see a fully initialized successor block.
func (v TxLogBlockView) PublishNext(idx LogicalBlockIdx) bool {
	return casUint32(v.blk, txLinkNextOff, 0, uint32(idx))
}

func (v TxLogBlockView) entryOff(i uint32) int {
	return txEntriesOff + int(i)*8
}

// Entry returns the TxEntry currently stored at slot i.
func (v TxLogBlockView) Entry(i uint32) TxEntry {
	return TxEntry(loadUint64(v.blk, v.entryOff(i)))
}

// TryCommit scans slots starting at hintTail for the first empty (zero)
// slot and CASes entry into it. It returns the slot index on success, or
// -1 if the block has no empty slot at or after hintTail.
func (v TxLogBlockView) TryCommit(entry TxEntry, hintTail uint32) int {
	for idx := hintTail; idx < uint32(NumTxEntryPerBlock); idx++ {
		off := v.entryOff(idx)
		if loadUint64(v.blk, off) != 0 {
			continue
		}
		if casUint64(v.blk, off, 0, uint64(entry)) {
			return int(idx)
		}
	}
	return -1
}
