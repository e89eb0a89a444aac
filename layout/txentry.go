package layout

// TxEntryKind distinguishes the payload packed into a TxEntry's 64 bits.
type TxEntryKind uint8

const (
	// TxEntryInvalid is the zero word: the slot has never been written.
	TxEntryInvalid TxEntryKind = 0
	// TxEntryInline packs {num_blocks, begin_vidx, begin_lidx} directly.
	TxEntryInline TxEntryKind = 1
	// TxEntryIndirect points at the head of a log-entry chain.
	TxEntryIndirect TxEntryKind = 2
	// TxEntryDummy marks a slot that was claimed but carries no effect;
	// replay skips it. No commit path in this module writes one.
	TxEntryDummy TxEntryKind = 3
)

// bit layout of a TxEntry word, MSB to LSB:
//
//	[63:62] kind (2 bits, TxEntryKind; 0 is reserved so any real entry
//	              has a non-zero kind and is therefore non-zero)
//
// inline (kind == TxEntryInline):
//
//	[61:56] num_blocks - 1  (6 bits, so num_blocks ranges 1..64)
//	[55:34] begin_vidx      (22 bits)
//	[33:2]  begin_lidx      (32 bits)
//	[1:0]   unused
//
// indirect (kind == TxEntryIndirect): points at the head of a LogEntry
// chain (layout.LogEntry) that carries the rest of the commit's
// metadata (begin_vidx, total blocks, leftover bytes); the TxEntry only
// needs enough to find that head.
//
//	[61:30] log_block_idx   (32 bits)
//	[29:14] log_local_idx   (16 bits)
//	[13:0]  unused
const (
	txKindShift = 62
	txKindMask  = 0x3

	inlineNumBlocksShift = 56
	inlineNumBlocksMask  = 0x3f
	inlineVidxShift      = 34
	inlineVidxMask       = 0x3fffff
	inlineLidxShift      = 2
	inlineLidxMask       = 0xffffffff

	indirectBlockShift = 30
	indirectBlockMask  = 0xffffffff
	indirectLocalShift = 14
	indirectLocalMask  = 0xffff
)

// TxEntry is one 64-bit commit record in the transaction log.
type TxEntry uint64

// Kind reports which payload this entry carries.
func (e TxEntry) Kind() TxEntryKind {
	return TxEntryKind((uint64(e) >> txKindShift) & txKindMask)
}

// IsValid reports whether the slot has been written (word is non-zero).
func (e TxEntry) IsValid() bool { return e != 0 }

// IsInline reports whether this is an inline commit entry.
func (e TxEntry) IsInline() bool { return e.Kind() == TxEntryInline }

// IsIndirect reports whether this is an indirect commit entry.
func (e TxEntry) IsIndirect() bool { return e.Kind() == TxEntryIndirect }

// IsDummy reports whether this entry should be skipped during replay.
func (e TxEntry) IsDummy() bool { return e.Kind() == TxEntryDummy }

// MakeInlineCommitEntry packs an inline commit entry. numBlocks must be
// in [1, 64].
func MakeInlineCommitEntry(numBlocks uint32, beginVidx VirtualBlockIdx, beginLidx LogicalBlockIdx) TxEntry {
	if numBlocks == 0 || numBlocks > 64 {
		panic("layout: inline commit numBlocks out of range")
	}
	w := uint64(TxEntryInline) << txKindShift
	w |= (uint64(numBlocks-1) & inlineNumBlocksMask) << inlineNumBlocksShift
	w |= (uint64(beginVidx) & inlineVidxMask) << inlineVidxShift
	w |= (uint64(beginLidx) & inlineLidxMask) << inlineLidxShift
	return TxEntry(w)
}

// InlineFields unpacks an inline commit entry.
func (e TxEntry) InlineFields() (numBlocks uint32, beginVidx VirtualBlockIdx, beginLidx LogicalBlockIdx) {
	w := uint64(e)
	numBlocks = uint32((w>>inlineNumBlocksShift)&inlineNumBlocksMask) + 1
	beginVidx = VirtualBlockIdx((w >> inlineVidxShift) & inlineVidxMask)
	beginLidx = LogicalBlockIdx((w >> inlineLidxShift) & inlineLidxMask)
	return
}

// MakeIndirectCommitEntry packs an indirect commit entry pointing at the
// head of a log-entry chain.
func MakeIndirectCommitEntry(logBlockIdx LogicalBlockIdx, logLocalIdx uint16) TxEntry {
	w := uint64(TxEntryIndirect) << txKindShift
	w |= (uint64(logBlockIdx) & indirectBlockMask) << indirectBlockShift
	w |= (uint64(logLocalIdx) & indirectLocalMask) << indirectLocalShift
	return TxEntry(w)
}

// IndirectFields unpacks an indirect commit entry.
func (e TxEntry) IndirectFields() (logBlockIdx LogicalBlockIdx, logLocalIdx uint16) {
	w := uint64(e)
	logBlockIdx = LogicalBlockIdx((w >> indirectBlockShift) & indirectBlockMask)
	logLocalIdx = uint16((w >> indirectLocalShift) & indirectLocalMask)
	return
}

// DummyEntry returns the distinguished "skip this slot" entry.
func DummyEntry() TxEntry {
	return TxEntry(uint64(TxEntryDummy) << txKindShift)
}
