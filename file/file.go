// Package file is the public facade wiring memtable, alloc, blktable,
// txmgr, and shm together into POSIX-shaped Open/Read/Write/Pread/
// Pwrite/Fsync/Close operations, one per underlying fd. It corresponds
// to original_source/src/file.{h,cpp}'s File class; unlike the
// original's thread_local allocator/log-manager maps, per-goroutine
// state here is made explicit as a *Handle the caller obtains once per
// concurrent user and reuses, since Go gives no stable notion of "the
// calling OS thread" for a map key.
package file

import (
	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/alloc"
	"github.com/WiscADSL/MadFS/blktable"
	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/config"
	"github.com/WiscADSL/MadFS/core"
	"github.com/WiscADSL/MadFS/layout"
	"github.com/WiscADSL/MadFS/memtable"
	"github.com/WiscADSL/MadFS/shm"
	"github.com/WiscADSL/MadFS/txmgr"
	"github.com/WiscADSL/MadFS/util"
)

// File is one open core file: the shared state every Handle on it reads
// and commits through.
type File struct {
	fd int
	rt config.Runtime

	meta layout.MetaBlockView
	mt   *memtable.MemTable
	bc   *blktable.BitmapCache
	blk  *blktable.BlkTable
	tx   *txmgr.TxMgr

	shmMgr *shm.Mgr
}

// Open opens or creates a core file at path. If the file already exists
// but does not carry the ULAYFS signature, it returns a *core.Error of
// kind core.NotCoreFile wrapping no File; callers should fall back to
// passing the fd straight to the host filesystem, matching spec.md §3's
// "non-core files pass through untouched" contract.
func Open(path string, flags int, mode uint32, rt config.Runtime) (*File, error) {
	fd, err := unix.Open(path, flags|unix.O_RDWR, mode)
	if err != nil {
		return nil, core.New(core.IoError, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, core.New(core.IoError, err)
	}
	wasEmpty := st.Size == 0

	if !wasEmpty {
		var sig [len(common.Signature)]byte
		n, err := unix.Pread(fd, sig[:], 0)
		if err != nil {
			_ = unix.Close(fd)
			return nil, core.New(core.IoError, err)
		}
		if n < len(sig) || string(sig[:]) != common.Signature {
			_ = unix.Close(fd)
			return nil, core.ErrNotCoreFile
		}
	}

	mt := memtable.New(fd, rt)
	meta, err := mt.Init(uint64(st.Size))
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if wasEmpty {
		meta.Init(0, rt.PreallocSize/common.BlockSize)
	} else if !meta.HasValidSignature() {
		_ = mt.Close()
		_ = unix.Close(fd)
		return nil, core.ErrNotCoreFile
	}

	addrOf := mt.GetAddr
	validate := mt.Validate
	bc := blktable.NewBitmapCache(meta, addrOf, validate)
	blk := blktable.New(meta, addrOf)
	if err := blk.Update(bc); err != nil {
		_ = mt.Close()
		_ = unix.Close(fd)
		return nil, err
	}
	tm := txmgr.New(meta, blk, addrOf, validate)

	shmMgr, err := shm.Open(fd, rt)
	if err != nil {
		util.DPrintf(1, "file: shared-memory region unavailable for fd=%d: %v", fd, err)
		shmMgr = nil
	}

	return &File{fd: fd, rt: rt, meta: meta, mt: mt, bc: bc, blk: blk, tx: tm, shmMgr: shmMgr}, nil
}

// Fd returns the underlying host file descriptor, for callers that need
// to pass it to an operation this package doesn't wrap (fchmod, flock,
// ...).
func (f *File) Fd() int { return f.fd }

// Fsync is a no-op beyond an Msync safety net: every commit this module
// makes is already durable by the time the commit CAS that publishes it
// succeeds (spec.md §6, "commits are already durable").
func (f *File) Fsync() error {
	blk, err := f.mt.GetAddr(common.LogicalBlockIdx(0))
	if err != nil {
		return err
	}
	return util.Persist(blk)
}

// Close tears down every resource this File opened, without any flush
// of its own. It does
// not remove the backing file or its shared-memory companion; use
// shm.UnlinkByFileFd for that once no handle remains.
func (f *File) Close() error {
	var firstErr error
	if f.shmMgr != nil {
		if err := f.shmMgr.Close(); err != nil {
			firstErr = err
		}
	}
	if err := f.mt.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(f.fd); err != nil && firstErr == nil {
		firstErr = core.New(core.IoError, err)
	}
	return firstErr
}

// BlockTable exposes the replayed index, e.g. for a garbage collector
// walking live virtual blocks.
func (f *File) BlockTable() *blktable.BlkTable { return f.blk }

// NeedsGC reports whether the out-of-line tx-log chain is long enough
// to be worth compacting.
func (f *File) NeedsGC() (bool, error) { return f.tx.NeedsGC() }

// ReclaimableTxBlocks returns the leading run of out-of-line tx-log
// blocks that no live thread has pinned, i.e. the blocks a garbage
// collector could fold into a fresh, shorter chain right now. It is
// read-only: actually rewriting the chain and freeing these blocks is
// the caller's job, matching original_source/src/gc.h's split between
// GarbageCollector (policy, runs out of process) and TxMgr (mechanism).
func (f *File) ReclaimableTxBlocks() ([]common.LogicalBlockIdx, error) {
	var live txmgr.LivenessSource
	if f.shmMgr != nil {
		live = f.shmMgr
	}
	return f.tx.TryGC(live)
}

// FileSize returns the current application-visible size of the file.
func (f *File) FileSize() uint64 { return f.meta.FileSize() }

// NewHandle returns a Handle with its own Allocator, for one concurrent
// user (goroutine, worker, whatever unit the caller considers "a
// thread") of this File. Handles must not be shared across goroutines
// without external synchronization, mirroring alloc.Allocator's own
// single-owner contract.
func (f *File) NewHandle() *Handle {
	return &Handle{f: f, a: alloc.New(f.bc, f.mt.GetAddr)}
}

// Handle is a per-thread view of an open File: the allocator a single
// caller uses across repeated read/write calls (the implicit-offset
// cursor belongs to the File and is shared by all its Handles), grounded on original_source/src/file.h's thread_local
// Allocator map (File::get_local_allocator) made an explicit value here.
type Handle struct {
	f *File
	a *alloc.Allocator
}

// Write appends buf at the File's shared implicit offset.
func (h *Handle) Write(buf []byte) (int, error) {
	n, err := h.f.tx.Write(h.a, buf)
	if err != nil {
		return n, err
	}
	h.f.growFileSize(h.f.tx.Offsets.Offset())
	return n, nil
}

// Pwrite writes buf at offset, independent of the File's implicit
// cursor.
func (h *Handle) Pwrite(buf []byte, offset uint64) (int, error) {
	n, err := h.f.tx.Pwrite(h.a, buf, offset)
	if err != nil {
		return n, err
	}
	h.f.growFileSize(offset + uint64(n))
	return n, nil
}

// Read reads into buf from the File's shared implicit offset.
func (h *Handle) Read(buf []byte) (int, error) {
	return h.f.tx.Read(buf, h.f.meta.FileSize())
}

// Pread reads into buf starting at offset, independent of the File's
// implicit cursor.
func (h *Handle) Pread(buf []byte, offset uint64) (int, error) {
	return h.f.tx.Pread(buf, offset, h.f.meta.FileSize())
}

// Seek repositions the File's shared implicit cursor, matching lseek's
// SEEK_SET; SEEK_CUR/SEEK_END are the caller's responsibility to resolve
// against FileSize first, per DESIGN.md's Open Question 2 decision.
func (h *Handle) Seek(pos uint64) { h.f.tx.Offsets.Seek(pos) }

// growFileSize advances the file's application-visible size to at least
// end, retrying the CAS against concurrent growers the way
// original_source/src/tx/mgr.cpp's do_pwrite updates file->file_size
// after a successful commit.
func (f *File) growFileSize(end uint64) {
	for {
		cur := f.meta.FileSize()
		if cur >= end {
			return
		}
		if f.meta.CasFileSize(cur, end) {
			return
		}
	}
}
