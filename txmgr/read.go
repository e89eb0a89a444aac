package txmgr

import "github.com/WiscADSL/MadFS/common"

// Read copies into buf starting at the file's current implicit offset
// and advances the cursor by exactly the number of bytes read (which may
// be less than len(buf) at end of file), per the ticket-based offset
// accounting in spec §5.
func (tm *TxMgr) Read(buf []byte, fileSize uint64) (int, error) {
	_, offset := tm.Offsets.Acquire(uint64(len(buf)))
	n, err := tm.Pread(buf, offset, fileSize)
	tm.Offsets.Release(offset+uint64(len(buf)), offset+uint64(n))
	return n, err
}

// Pread copies up to len(buf) bytes starting at offset into buf after
// catching the block table up to every transaction committed so far,
// and returns the number of bytes actually read. A virtual block with
// no entry in the block table reads as zero, matching spec.md invariant
// 5 ("reads of uncovered virtual blocks return zero bytes").
func (tm *TxMgr) Pread(buf []byte, offset uint64, fileSize uint64) (int, error) {
	if err := tm.CatchUp(); err != nil {
		return 0, err
	}

	if offset >= fileSize {
		return 0, nil
	}
	count := uint64(len(buf))
	if offset+count > fileSize {
		count = fileSize - offset
	}
	if count == 0 {
		return 0, nil
	}

	var n uint64
	for n < count {
		vidx := common.VirtualBlockIdx((offset + n) / common.BlockSize)
		blockOff := int((offset + n) % common.BlockSize)
		chunk := int(common.BlockSize) - blockOff
		if uint64(chunk) > count-n {
			chunk = int(count - n)
		}

		lidx := tm.blk.Get(vidx)
		if lidx == common.NullLogicalBlockIdx {
			for i := 0; i < chunk; i++ {
				buf[n+uint64(i)] = 0
			}
		} else {
			blk, err := tm.addrOf(lidx)
			if err != nil {
				return int(n), err
			}
			copy(buf[n:n+uint64(chunk)], blk[blockOff:blockOff+chunk])
		}
		n += uint64(chunk)
	}
	return int(n), nil
}
