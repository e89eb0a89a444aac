package layout

import (
	"bytes"
	"os"

	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/common"
)

// MetaBlock is always logical block 0. Its first two cache lines hold
// plain scalar fields and the meta lock; the remaining 62 cache lines
// are reused as an inline bitmap (the first 1024 blocks' allocation
// state) and an inline transaction log (the first 480 tx entries), so a
// freshly created small file never needs to allocate a BitmapBlock or a
// TxLogBlock at all.
const (
	metaSignatureOff = 0
	metaFileSizeOff  = 8
	metaNumBlocksOff = 16
	metaNumBitmapOff = 24
	metaLogHintOff   = 32
	// 40..63 reserved, padding out cache line 0

	metaLockOff = 64
	// 72..127 reserved, padding out cache line 1

	metaInlineBitmapOff = 128
	// NumInlineBitmapWords is the number of Bitmap words living inside the
	// meta block, covering the first NumInlineBitmapWords*BitmapCapacity
	// logical blocks following the meta block itself.
	NumInlineBitmapWords = 2 * common.CacheLineSize / 8 // 16 words, 1024 blocks
	numInlineBitmap      = NumInlineBitmapWords

	metaInlineTxOff = 256
	// NumInlineTxEntry is the number of TxEntry slots living inside the
	// meta block itself, filling out the rest of the 4 KiB block.
	NumInlineTxEntry = (BlockSize - metaInlineTxOff) / 8
)

var signatureBytes = func() [8]byte {
	var b [8]byte
	copy(b[:], common.Signature)
	return b
}()

// MetaBlockView is the typed accessor for logical block 0.
type MetaBlockView struct {
	blk []byte
}

// NewMetaBlockView wraps blk (which must be BlockSize bytes) as the meta
// block.
func NewMetaBlockView(blk []byte) MetaBlockView {
	requireBlockSized(blk)
	return MetaBlockView{blk: blk}
}

// Init stamps the signature and the initial size/count fields into a
// freshly zeroed meta block, and marks bit 0 of inline bitmap word 0
// allocated, so that word is never claimed whole.
func (v MetaBlockView) Init(fileSize, numBlocks uint64) {
	copy(v.blk[metaSignatureOff:metaSignatureOff+8], signatureBytes[:])
	storeUint64(v.blk, metaFileSizeOff, fileSize)
	storeUint64(v.blk, metaNumBlocksOff, numBlocks)
	storeUint64(v.blk, metaNumBitmapOff, 0)
	storeUint64(v.blk, metaLogHintOff, 0)
	v.InlineBitmap().Word(0).SetAllocated(0)
}

// HasValidSignature reports whether this block starts with the ULAYFS
// signature; callers use this to detect and pass through to the host
// filesystem a file that isn't actually a core file.
func (v MetaBlockView) HasValidSignature() bool {
	return bytes.Equal(v.blk[metaSignatureOff:metaSignatureOff+8], signatureBytes[:])
}

// FileSize returns the application-visible size of the file in bytes.
func (v MetaBlockView) FileSize() uint64 { return loadUint64(v.blk, metaFileSizeOff) }

// SetFileSize atomically updates the application-visible file size.
func (v MetaBlockView) SetFileSize(n uint64) { storeUint64(v.blk, metaFileSizeOff, n) }

// CasFileSize attempts to grow/shrink the file size from old to new,
// failing if another thread already changed it.
func (v MetaBlockView) CasFileSize(old, new uint64) bool {
	return casUint64(v.blk, metaFileSizeOff, old, new)
}

// NumBlocks returns the total number of logical blocks ever allocated in
// the backing file (a high-water mark, not a live count of in-use
// blocks).
func (v MetaBlockView) NumBlocks() uint64 { return loadUint64(v.blk, metaNumBlocksOff) }

// SetNumBlocks updates the high-water mark.
func (v MetaBlockView) SetNumBlocks(n uint64) { storeUint64(v.blk, metaNumBlocksOff, n) }

// CasNumBlocks attempts to bump the block high-water mark from old to
// new, failing if another thread already changed it.
func (v MetaBlockView) CasNumBlocks(old, new uint64) bool {
	return casUint64(v.blk, metaNumBlocksOff, old, new)
}

// TxTailHint packs {headBlockIdx, tailBlockIdx} of the out-of-line
// TxLogBlock chain. The head is the only link from the inline tx log to
// the first out-of-line block: BlkTable.Update, NeedsGC and TryGC start
// from it.
func (v MetaBlockView) TxTailHint() (head, tail LogicalBlockIdx) {
	w := loadUint64(v.blk, metaLogHintOff)
	head = LogicalBlockIdx(uint32(w >> 32))
	tail = LogicalBlockIdx(uint32(w))
	return
}

// SetTxTailHint publishes a new {head, tail} hint with a plain store
// rather than a CAS.
func (v MetaBlockView) SetTxTailHint(head, tail LogicalBlockIdx) {
	w := uint64(head)<<32 | uint64(uint32(tail))
	storeUint64(v.blk, metaLogHintOff, w)
}

// Lock is a CAS spinlock guarding meta-block-wide operations (e.g. the
// ftruncate-based grow path in memtable). The teacher's lockmap package
// models advisory per-resource locks the same way: a CAS loop with no
// blocking primitive, appropriate for the short critical sections
// meta-lock protects. The held word packs the holder's pid above the
// lock bit (pid<<1|1) rather than a bare 1, so a stuck lock's owner can
// later be identified and its liveness checked (see TryLockRecover).
type Lock struct {
	blk []byte
	off int
}

// TryLock attempts to acquire the lock on behalf of the calling
// process, returning false immediately if already held.
func (l Lock) TryLock() bool {
	return casUint64(l.blk, l.off, 0, lockWord(os.Getpid()))
}

func lockWord(pid int) uint64 { return uint64(uint32(pid))<<1 | 1 }

// Owner returns the pid that holds the lock and whether it is held at
// all.
func (l Lock) Owner() (pid int, held bool) {
	w := loadUint64(l.blk, l.off)
	return int(uint32(w >> 1)), w&1 != 0
}

// Unlock releases the lock. Callers must only call this while holding
// it.
func (l Lock) Unlock() {
	storeUint64(l.blk, l.off, 0)
}

// TryLockRecover behaves like TryLock, but additionally reclaims the
// lock if its recorded holder is a pid that no longer exists: the
// original's meta lock is a pthread_mutex_t created PTHREAD_MUTEX_ROBUST,
// which the kernel itself marks consistent-but-unlocked when its owner
// dies mid-hold. Go has no such binding; unix.Kill(pid, 0) returning
// ESRCH is the closest equivalent liveness probe, so a holder that no
// longer answers to it is treated the same way a robust mutex's dead
// owner would be: the lock is force-cleared and reacquired in its
// place. The CAS on the exact observed word means a holder that is
// simply slow (not dead) and releases or re-locks in between never gets
// clobbered.
func (l Lock) TryLockRecover() bool {
	if l.TryLock() {
		return true
	}
	old := loadUint64(l.blk, l.off)
	pid, held := int(uint32(old>>1)), old&1 != 0
	if !held || pid == os.Getpid() {
		return false
	}
	if err := unix.Kill(pid, 0); err != unix.ESRCH {
		return false
	}
	return casUint64(l.blk, l.off, old, lockWord(os.Getpid()))
}

// MetaLock returns the lock guarding this meta block.
func (v MetaBlockView) MetaLock() Lock {
	return Lock{blk: v.blk, off: metaLockOff}
}

// InlineBitmapBlockView is the bitmap region embedded in the meta block.
type InlineBitmapBlockView struct {
	blk []byte
}

// InlineBitmap returns the embedded bitmap region covering the first
// numInlineBitmap*BitmapCapacity logical blocks.
func (v MetaBlockView) InlineBitmap() InlineBitmapBlockView {
	return InlineBitmapBlockView{blk: v.blk}
}

// Word returns the i-th inline Bitmap word (0 <= i < numInlineBitmap).
func (v InlineBitmapBlockView) Word(i uint64) Bitmap {
	if i >= numInlineBitmap {
		panic("layout: inline bitmap index out of range")
	}
	return newBitmap(v.blk, metaInlineBitmapOff+int(i*8))
}

// InlineTxLogView is the transaction-log region embedded in the meta
// block, filled the same front-to-back way as an out-of-line
// TxLogBlock, but with no prev/next links since it is always the first
// block in the chain.
type InlineTxLogView struct {
	blk []byte
}

// InlineTxLog returns the embedded transaction log.
func (v MetaBlockView) InlineTxLog() InlineTxLogView {
	return InlineTxLogView{blk: v.blk}
}

func (v InlineTxLogView) entryOff(i uint32) int {
	return metaInlineTxOff + int(i)*8
}

// Entry returns the TxEntry at local slot i.
func (v InlineTxLogView) Entry(i uint32) TxEntry {
	return TxEntry(loadUint64(v.blk, v.entryOff(i)))
}

// TryCommit scans from hintTail for the first empty slot and CASes
// entry into it, mirroring TxLogBlockView.TryCommit.
func (v InlineTxLogView) TryCommit(entry TxEntry, hintTail uint32) int {
	for idx := hintTail; idx < uint32(NumInlineTxEntry); idx++ {
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
