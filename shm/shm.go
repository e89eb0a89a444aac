// Package shm manages the shared-memory region every open handle on the
// same underlying file attaches to: a mirror of recently-touched bitmap
// words (so sibling processes skip replaying the persistent bitmap for
// blocks another process just allocated) and a fixed table of
// per-thread liveness slots used by garbage collection to find tx
// blocks pinned by live threads. Grounded on original_source/src/shm.h's
// ShmMgr/PerThreadData.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/config"
	"github.com/WiscADSL/MadFS/core"
)

// shmXattrName is the extended attribute on a core file recording the
// path of its shared-memory companion, matching SHM_XATTR_NAME.
const shmXattrName = "user.ulayfs_shm_path"

// shmPathLen bounds the length of a generated shm path; paths are built
// from a fixed format string well under this.
const shmPathLen = 256

// NumMirrorBitmapWords is the number of bitmap words mirrored in shared
// memory, covering NumMirrorBitmapWords*common.BitmapCapacity logical
// blocks. This is a cache, not the source of truth (the persistent
// bitmap is): a miss just means falling back to blktable.BitmapCache,
// never a correctness problem.
const NumMirrorBitmapWords = 8192

const bitmapMirrorBytes = NumMirrorBitmapWords * 8

// perThreadDataSize is the byte stride of one PerThreadData slot,
// cache-line sized so concurrent threads never false-share slots.
const perThreadDataSize = int(common.CacheLineSize)

// Size is the total byte length of the shared-memory region for a
// thread table of maxNumThreads slots.
func Size(maxNumThreads uint64) int {
	return bitmapMirrorBytes + int(maxNumThreads)*perThreadDataSize
}

// Mgr owns one process's mapping of a file's shared-memory region.
type Mgr struct {
	fd   int
	addr []byte
	path string
	rt   config.Runtime
}

// Open attaches to the shared-memory region for fileFd (the fd of the
// core file using it), creating it if this is the first process to open
// that file. fileFd's xattrs record the chosen path so every later
// opener of the same file finds the same region.
func Open(fileFd int, rt config.Runtime) (*Mgr, error) {
	path, err := shmPath(fileFd)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		fd, err = create(path, 0600, os.Getuid(), os.Getgid(), Size(rt.MaxNumThreads))
		if err != nil {
			return nil, err
		}
	}

	addr, err := unix.Mmap(fd, 0, Size(rt.MaxNumThreads), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, core.New(core.IoError, err)
	}

	return &Mgr{fd: fd, addr: addr, path: path, rt: rt}, nil
}

// shmPath reads the shm-path xattr off fileFd, generating and stamping a
// fresh one derived from the file's inode and creation time if absent.
func shmPath(fileFd int) (string, error) {
	buf := make([]byte, shmPathLen)
	n, err := unix.Fgetxattr(fileFd, shmXattrName, buf)
	if err == nil {
		return string(buf[:n]), nil
	}
	if err != unix.ENODATA {
		return "", core.New(core.IoError, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fileFd, &st); err != nil {
		return "", core.New(core.IoError, err)
	}
	path := fmt.Sprintf("/dev/shm/madfs_%016x_%013x", st.Ino, st.Ctim.Sec*1000000000+st.Ctim.Nsec)
	if err := unix.Fsetxattr(fileFd, shmXattrName, []byte(path), 0); err != nil {
		return "", core.New(core.IoError, err)
	}
	return path, nil
}

// create makes a fresh shared-memory object at path using the
// open-tmpfile-then-linkat idiom: the file is created with its final
// permissions and size before it has any name another process could
// observe, so no opener ever sees a partially set up region. If another
// process wins the race to link the same path first, we fall back to
// opening what it created.
func create(path string, mode uint32, uid, gid int, size int) (int, error) {
	fd, err := unix.Open("/dev/shm", unix.O_TMPFILE|unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, core.New(core.IoError, err)
	}

	if err := unix.Fchmod(fd, mode); err != nil {
		_ = unix.Close(fd)
		return -1, core.New(core.IoError, err)
	}
	if err := unix.Fchown(fd, uid, gid); err != nil {
		_ = unix.Close(fd)
		return -1, core.New(core.IoError, err)
	}
	if err := unix.Fallocate(fd, 0, 0, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, core.New(core.IoError, err)
	}

	tmpPath := fmt.Sprintf("/proc/self/fd/%d", fd)
	err = unix.Linkat(unix.AT_FDCWD, tmpPath, unix.AT_FDCWD, path, unix.AT_SYMLINK_FOLLOW)
	if err != nil {
		_ = unix.Close(fd)
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, core.New(core.IoError, err)
		}
	}
	return fd, nil
}

// BitmapMirror returns the mirrored bitmap-word region as a raw byte
// slice; callers wrap it with layout.NewBitmapBlockView-style accessors.
func (m *Mgr) BitmapMirror() []byte {
	return m.addr[:bitmapMirrorBytes]
}

// PerThreadData returns the view of slot idx (0 <= idx < rt.MaxNumThreads).
func (m *Mgr) PerThreadData(idx uint64) PerThreadDataView {
	if idx >= m.rt.MaxNumThreads {
		panic("shm: per-thread data index out of range")
	}
	off := bitmapMirrorBytes + int(idx)*perThreadDataSize
	return PerThreadDataView{blk: m.addr[off : off+perThreadDataSize]}
}

// AllocPerThreadData claims and returns the first uninitialized or dead
// slot, matching ShmMgr::alloc_per_thread_data's linear scan.
func (m *Mgr) AllocPerThreadData() (PerThreadDataView, error) {
	for i := uint64(0); i < m.rt.MaxNumThreads; i++ {
		v := m.PerThreadData(i)
		ok, err := v.TryInit(i, m.fd)
		if err != nil {
			return PerThreadDataView{}, err
		}
		if ok {
			return v, nil
		}
	}
	return PerThreadDataView{}, core.New(core.NoSpace, fmt.Errorf("shm: no free per-thread data slot"))
}

// PinnedTxBlocks returns the tx_block_idx of every currently live
// thread slot, satisfying txmgr.LivenessSource so a garbage collector
// can find the oldest tx block it must not reclaim, mirroring
// original_source/src/gc.h's GarbageCollector::get_smallest_tx_idx
// (which this flattens to "the full set", leaving the minimum to the
// caller).
func (m *Mgr) PinnedTxBlocks() []common.LogicalBlockIdx {
	var pinned []common.LogicalBlockIdx
	for i := uint64(0); i < m.rt.MaxNumThreads; i++ {
		v := m.PerThreadData(i)
		valid, err := v.IsValid(m.fd)
		if err != nil || !valid {
			continue
		}
		if idx := v.TxBlockIdx(); idx != common.NullLogicalBlockIdx {
			pinned = append(pinned, idx)
		}
	}
	return pinned
}

// Close unmaps the region and closes the shm fd; it does not unlink the
// shared-memory object, which other processes may still be using.
func (m *Mgr) Close() error {
	var firstErr error
	if err := unix.Munmap(m.addr); err != nil {
		firstErr = core.New(core.IoError, err)
	}
	if err := unix.Close(m.fd); err != nil && firstErr == nil {
		firstErr = core.New(core.IoError, err)
	}
	return firstErr
}

// Unlink removes the shared-memory object at path, called by the last
// closer of the underlying core file.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return core.New(core.IoError, err)
	}
	return nil
}

// UnlinkByFileFd removes the shared-memory object recorded on fileFd's
// xattr, if any.
func UnlinkByFileFd(fileFd int) error {
	buf := make([]byte, shmPathLen)
	n, err := unix.Fgetxattr(fileFd, shmXattrName, buf)
	if err != nil {
		return nil
	}
	return Unlink(string(buf[:n]))
}
