package file

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/WiscADSL/MadFS/config"
)

func testRuntime() config.Runtime {
	rt := config.Default()
	rt.GrowUnitSize = 4096 * 16
	rt.PreallocSize = 4096 * 16
	return rt
}

func tempPath(t *testing.T) string {
	f, err := os.CreateTemp("", "madfs-file-test")
	require.NoError(t, err)
	name := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(name) })
	return name
}

func TestOpenCreatesFreshCoreFile(t *testing.T) {
	path := tempPath(t)
	f, err := Open(path, unix.O_CREAT, 0644, testRuntime())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint64(0), f.FileSize())
}

func TestHandleWriteThenReadRoundTrip(t *testing.T) {
	path := tempPath(t)
	f, err := Open(path, unix.O_CREAT, 0644, testRuntime())
	require.NoError(t, err)
	defer f.Close()

	h := f.NewHandle()
	n, err := h.Write([]byte("hello, madfs"))
	require.NoError(t, err)
	assert.Equal(t, len("hello, madfs"), n)
	assert.EqualValues(t, n, f.FileSize())

	h.Seek(0)
	got := make([]byte, n)
	n2, err := h.Read(got)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, "hello, madfs", string(got))
}

func TestHandlePwritePastEndOfFileGrowsFileSize(t *testing.T) {
	path := tempPath(t)
	f, err := Open(path, unix.O_CREAT, 0644, testRuntime())
	require.NoError(t, err)
	defer f.Close()

	h := f.NewHandle()
	_, err = h.Pwrite([]byte{1, 2, 3, 4}, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 104, f.FileSize())

	got := make([]byte, 4)
	n, err := h.Pread(got, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestOpenRejectsExistingNonCoreFile(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a core file, just plain bytes padded out"), 0644))

	_, err := Open(path, 0, 0644, testRuntime())
	require.Error(t, err)
}

func TestOpenReopensExistingCoreFilePreservingData(t *testing.T) {
	path := tempPath(t)
	f, err := Open(path, unix.O_CREAT, 0644, testRuntime())
	require.NoError(t, err)

	h := f.NewHandle()
	_, err = h.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := Open(path, 0, 0644, testRuntime())
	require.NoError(t, err)
	defer f2.Close()

	h2 := f2.NewHandle()
	got := make([]byte, len("persisted"))
	n, err := h2.Pread(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len("persisted"), n)
	assert.Equal(t, "persisted", string(got))
}
