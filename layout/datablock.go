package layout

// DataBlockView is a BlockSize-byte block of plain application data. It
// carries no metadata of its own; everything about how a DataBlock is
// addressed lives in the TxEntry or LogEntry that points at it.
type DataBlockView struct {
	blk []byte
}

// NewDataBlockView wraps blk (which must be BlockSize bytes) as a data
// block.
func NewDataBlockView(blk []byte) DataBlockView {
	requireBlockSized(blk)
	return DataBlockView{blk: blk}
}

// Bytes returns the raw backing slice for direct read/write access.
func (v DataBlockView) Bytes() []byte { return v.blk }
