package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMin(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(2), Min(2, 3))
	assert.Equal(uint64(2), Min(3, 2))
	assert.Equal(uint64(2), Min(2, 2))
}

func TestRoundUp(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(12), RoundUp(10, 3))
	assert.Equal(uint64(9), RoundUp(9, 3), "exact division")
	assert.Equal(uint64(0), RoundUp(0, 3))
	assert.Equal(uint64(4096*5), RoundUp(4096*4+4095, 4096))
	assert.Equal(uint64(4096*5), RoundUp(4096*4+1, 4096))
}

func TestNextPow2(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(1), NextPow2(0))
	assert.Equal(uint64(1), NextPow2(1))
	assert.Equal(uint64(2), NextPow2(2))
	assert.Equal(uint64(4), NextPow2(3))
	assert.Equal(uint64(1024), NextPow2(1024))
	assert.Equal(uint64(2048), NextPow2(1025))
}

func TestCloneByteSlice(t *testing.T) {
	assert := assert.New(t)
	b := []byte{1, 2, 3}
	c := CloneByteSlice(b)
	assert.Equal(b, c)
	c[0] = 9
	assert.Equal(byte(1), b[0], "clone must not alias the original")
}
