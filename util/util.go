// Package util collects small helpers shared across the core packages.
package util

import (
	"log"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Debug is the verbosity gate for DPrintf. Higher levels are noisier.
const Debug uint64 = 1

// DPrintf logs format/a if level is at or below Debug.
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

// RoundUp rounds n up to the next multiple of sz.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz * sz
}

// Min returns the smaller of n and m.
func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// NextPow2 returns the smallest power of two that is >= n, or 1 if n is 0.
func NextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// CloneByteSlice returns a freshly allocated copy of b.
func CloneByteSlice(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Persist flushes b, a slice of mmap'd PMEM-backed memory, to its
// backing medium and blocks until the flush completes. It stands in for
// the hardware clflushopt+sfence pair the original targets: Go has no
// portable userspace cache-line-flush intrinsic, so an msync of the
// written range is used as the durability fence between a payload write
// and the commit CAS that makes it visible. Since msync takes a
// page-aligned start address, the flushed range begins at the start of
// the page holding b[0].
//
// Persist is a var, not a plain func, so tests can substitute a stub
// that records which ranges were flushed without requiring b to be
// real mmap'd memory.
var Persist = func(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	pad := int(uintptr(unsafe.Pointer(&b[0])) % uintptr(os.Getpagesize()))
	page := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&b[0]), -pad)), len(b)+pad)
	return unix.Msync(page, unix.MS_SYNC)
}
