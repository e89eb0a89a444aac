package shm

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/core"
)

// PerThreadData state values, matching the UNINITIALIZED/INITIALIZING/
// INITIALIZED enum in original_source/src/shm.h.
const (
	stateUninitialized uint32 = 0
	stateInitializing  uint32 = 1
	stateInitialized   uint32 = 2
)

// byte layout of one perThreadDataSize slot:
//
//	[0:4]   state (uint32, atomic)
//	[4:8]   index (uint32)
//	[8:12]  tx_block_idx (uint32, common.LogicalBlockIdx)
//	[12:16] owner pid (uint32)
const (
	ptdStateOff   = 0
	ptdIndexOff   = 4
	ptdTxBlockOff = 8
	ptdPidOff     = 12
)

// PerThreadDataView is a typed accessor for one thread's slot in the
// shared-memory region. Go has no pthread_mutex_t, and more fundamentally
// no portable way to detect that a mutex's *owning process* (as opposed
// to just a goroutine) has died; this module substitutes a traditional
// fcntl(2) record lock on the byte range [index, index+1) of the shm fd
// for the robust pthread mutex the original uses, since POSIX guarantees
// those locks are released by the kernel when the owning process exits
// for any reason, crash included — exactly the liveness signal
// PerThreadData needs.
//
// fcntl record locks are scoped to the process, not the fd: a process
// can never fail to re-acquire a lock it already holds, even through a
// different fd. That makes the lock probe alone useless for a slot's
// own owner asking "am I still alive" (it always trivially succeeds).
// The owner pid stored alongside the lock is the fast path for that
// case; the lock probe only runs when the caller isn't the pid on
// record, which is the only scenario it can actually answer.
type PerThreadDataView struct {
	blk []byte
}

func atomicUint32At(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func (v PerThreadDataView) loadState() uint32 {
	return atomic.LoadUint32(atomicUint32At(v.blk, ptdStateOff))
}

func (v PerThreadDataView) casState(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(atomicUint32At(v.blk, ptdStateOff), old, new)
}

func (v PerThreadDataView) storeState(n uint32) {
	atomic.StoreUint32(atomicUint32At(v.blk, ptdStateOff), n)
}

// Index returns the slot's own index within the shared-memory table.
func (v PerThreadDataView) Index() uint32 {
	return atomic.LoadUint32(atomicUint32At(v.blk, ptdIndexOff))
}

// TxBlockIdx returns the tx block this thread currently pins against
// garbage collection, or common.NullLogicalBlockIdx if none.
func (v PerThreadDataView) TxBlockIdx() common.LogicalBlockIdx {
	return common.LogicalBlockIdx(atomic.LoadUint32(atomicUint32At(v.blk, ptdTxBlockOff)))
}

// SetTxBlockIdx publishes the tx block this thread is about to touch, so
// a concurrent garbage collection pass sees it pinned before it could
// possibly reclaim it.
func (v PerThreadDataView) SetTxBlockIdx(idx common.LogicalBlockIdx) {
	atomic.StoreUint32(atomicUint32At(v.blk, ptdTxBlockOff), uint32(idx))
}

func (v PerThreadDataView) loadPid() uint32 {
	return atomic.LoadUint32(atomicUint32At(v.blk, ptdPidOff))
}

func (v PerThreadDataView) storePid(pid uint32) {
	atomic.StoreUint32(atomicUint32At(v.blk, ptdPidOff), pid)
}

func flock(fd int, lockType int16, start int64) error {
	lk := unix.Flock_t{Type: lockType, Whence: 0, Start: start, Len: 1}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lk)
}

// tryAcquireLiveness attempts to grab the exclusive record lock proving
// this slot's owner, if any, is no longer running. It returns true (and
// leaves the lock held, transferring ownership to the caller) if the
// lock was free; false (lock left alone) if someone else still holds it.
func tryAcquireLiveness(fd int, idx uint64) (bool, error) {
	err := flock(fd, unix.F_WRLCK, int64(idx))
	if err == nil {
		return true, nil
	}
	if err == unix.EAGAIN || err == unix.EACCES {
		return false, nil
	}
	return false, core.New(core.IoError, err)
}

// TryInit claims this slot for index i if it is free (never initialized)
// or its previous owner has died. On success the caller now holds the
// slot's liveness lock and must eventually call Reset (or simply close
// the fd, which releases the lock as a side effect of process exit).
func (v PerThreadDataView) TryInit(i uint64, shmFd int) (bool, error) {
	switch v.loadState() {
	case stateUninitialized:
		if !v.casState(stateUninitialized, stateInitializing) {
			return false, nil
		}
		if err := flock(shmFd, unix.F_WRLCK, int64(i)); err != nil {
			v.storeState(stateUninitialized)
			return false, core.New(core.IoError, err)
		}
		atomic.StoreUint32(atomicUint32At(v.blk, ptdIndexOff), uint32(i))
		atomic.StoreUint32(atomicUint32At(v.blk, ptdTxBlockOff), uint32(common.NullLogicalBlockIdx))
		v.storePid(uint32(os.Getpid()))
		v.storeState(stateInitialized)
		return true, nil

	case stateInitialized:
		// The lock probe always succeeds for a slot this process holds,
		// so the recorded pid is checked first.
		if v.loadPid() == uint32(os.Getpid()) {
			return false, nil
		}
		acquired, err := tryAcquireLiveness(shmFd, i)
		if err != nil || !acquired {
			return false, err
		}
		atomic.StoreUint32(atomicUint32At(v.blk, ptdIndexOff), uint32(i))
		atomic.StoreUint32(atomicUint32At(v.blk, ptdTxBlockOff), uint32(common.NullLogicalBlockIdx))
		v.storePid(uint32(os.Getpid()))
		return true, nil

	default: // stateInitializing: another thread is mid-claim, skip it.
		return false, nil
	}
}

// IsValid reports whether this slot is initialized and its owning
// process is still alive, mirroring PerThreadData::is_valid. If this
// call is itself made by the owning process, the pid recorded at claim
// time answers the question directly: the lock probe below can only
// ever trivially succeed in that case, since fcntl locks never
// conflict with a lock the calling process already holds.
func (v PerThreadDataView) IsValid(shmFd int) (bool, error) {
	if v.loadState() != stateInitialized {
		return false, nil
	}
	if v.loadPid() == uint32(os.Getpid()) {
		return true, nil
	}
	acquired, err := tryAcquireLiveness(shmFd, uint64(v.Index()))
	if err != nil {
		return false, err
	}
	if acquired {
		// We just grabbed an abandoned lock purely to test it; release it
		// immediately so the slot remains reclaimable by AllocPerThreadData
		// without us holding a lock we have no intent to keep.
		_ = flock(shmFd, unix.F_UNLCK, int64(v.Index()))
		return false, nil
	}
	return true, nil
}

// Reset releases this slot's liveness lock and marks it free for reuse,
// called by the owning thread on clean shutdown (a dead owner's lock is
// released by the kernel instead, and AllocPerThreadData's tryAcquire
// path reclaims the slot the next time someone scans for a free one).
func (v PerThreadDataView) Reset(shmFd int) error {
	if err := flock(shmFd, unix.F_UNLCK, int64(v.Index())); err != nil {
		return core.New(core.IoError, err)
	}
	v.storeState(stateUninitialized)
	return nil
}
