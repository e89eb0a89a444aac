// Package layout defines the fixed 4 KiB on-PMEM block formats (MetaBlock,
// Bitmap, BitmapBlock, TxEntry, TxLogBlock, LogEntry, LogEntryBlock,
// DataBlock) and the invariants that hold over them.
//
// Every block is represented as a BlockSize-length []byte slice that
// aliases directly into the memory-mapped backing file; a "view" type
// (MetaBlockView, TxLogBlockView, ...) wraps such a slice and exposes
// typed accessors. LogEntry's fields are read/written with
// github.com/tchajed/marshal, the same encode/decode idiom the teacher
// uses for its own on-disk headers (wal/0circular.go, buf/buf.go). The
// other blocks' fields (meta-block fields, bitmap words, tx-entry words,
// tx-log links, the meta lock word), which other threads race on in the
// same PMEM bytes, go through a small, explicitly-unsafe atomic helper
// instead, since neither marshal nor encoding/binary can express that.
package layout

import (
	"sync/atomic"
	"unsafe"

	"github.com/WiscADSL/MadFS/common"
)

// LogicalBlockIdx and VirtualBlockIdx are re-exported from common so
// callers of this package don't need a second import for them.
type LogicalBlockIdx = common.LogicalBlockIdx
type VirtualBlockIdx = common.VirtualBlockIdx

// BlockSize is the size, in bytes, of every on-PMEM block.
const BlockSize = common.BlockSize

// Block aliases the raw bytes of one on-PMEM block.
type Block []byte

func requireBlockSized(b []byte) {
	if uint64(len(b)) != BlockSize {
		panic("layout: block slice is not BlockSize bytes")
	}
}

// atomicUint64At returns a pointer suitable for sync/atomic operations on
// the 8 bytes of b starting at off. b must be part of a live mmap
// mapping (or at least 8-byte aligned); off must be a multiple of 8.
func atomicUint64At(b []byte, off int) *uint64 {
	if off%8 != 0 {
		panic("layout: unaligned atomic access")
	}
	return (*uint64)(unsafe.Pointer(&b[off]))
}

func atomicUint32At(b []byte, off int) *uint32 {
	if off%4 != 0 {
		panic("layout: unaligned atomic access")
	}
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// loadUint64 and casUint64 are thin wrappers kept separate from
// atomicUint64At so call sites read as intent ("load", "cas") rather than
// pointer arithmetic.
func loadUint64(b []byte, off int) uint64 {
	return atomic.LoadUint64(atomicUint64At(b, off))
}

func casUint64(b []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(atomicUint64At(b, off), old, new)
}

func storeUint64(b []byte, off int, v uint64) {
	atomic.StoreUint64(atomicUint64At(b, off), v)
}

func loadUint32(b []byte, off int) uint32 {
	return atomic.LoadUint32(atomicUint32At(b, off))
}

func storeUint32(b []byte, off int, v uint32) {
	atomic.StoreUint32(atomicUint32At(b, off), v)
}

func casUint32(b []byte, off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(atomicUint32At(b, off), old, new)
}
