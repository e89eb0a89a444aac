package memtable

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/common"
	"github.com/WiscADSL/MadFS/config"
)

func openTempFile(t *testing.T) int {
	t.Helper()
	f, err := os.CreateTemp("", "madfs-memtable-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	t.Cleanup(func() { f.Close() })
	fd := int(f.Fd())
	return fd
}

func testRuntime() config.Runtime {
	rt := config.Default()
	rt.GrowUnitSize = 4 * common.BlockSize
	rt.PreallocSize = 4 * common.BlockSize
	return rt
}

func TestMemTableInitZeroSizeFilePreallocates(t *testing.T) {
	fd := openTempFile(t)
	mt := New(fd, testRuntime())

	meta, err := mt.Init(0)
	require.NoError(t, err)
	defer mt.Close()

	assert := require.New(t)
	assert.Equal(uint64(4), meta.NumBlocks())

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	assert.Equal(int64(4*common.BlockSize), st.Size)
}

func TestMemTableGetAddrReturnsBlockSizedSlice(t *testing.T) {
	fd := openTempFile(t)
	mt := New(fd, testRuntime())
	_, err := mt.Init(0)
	require.NoError(t, err)
	defer mt.Close()

	blk, err := mt.GetAddr(common.LogicalBlockIdx(1))
	require.NoError(t, err)
	require.Len(t, blk, int(common.BlockSize))

	blk[0] = 0x42
	blk2, err := mt.GetAddr(common.LogicalBlockIdx(1))
	require.NoError(t, err)
	require.Equal(t, byte(0x42), blk2[0])
}

func TestMemTableGetAddrGrowsPastPreallocated(t *testing.T) {
	fd := openTempFile(t)
	mt := New(fd, testRuntime())
	_, err := mt.Init(0)
	require.NoError(t, err)
	defer mt.Close()

	// block 10 lives in a grow unit beyond the 4-block preallocation.
	blk, err := mt.GetAddr(common.LogicalBlockIdx(10))
	require.NoError(t, err)
	require.Len(t, blk, int(common.BlockSize))

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	require.GreaterOrEqual(t, st.Size, int64(11*common.BlockSize))
}

func TestMemTableValidateFastPath(t *testing.T) {
	fd := openTempFile(t)
	mt := New(fd, testRuntime())
	_, err := mt.Init(0)
	require.NoError(t, err)
	defer mt.Close()

	require.NoError(t, mt.Validate(common.LogicalBlockIdx(2)))
}
