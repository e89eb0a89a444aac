package shm

import "github.com/WiscADSL/MadFS/layout"

// MirrorWord returns the wordIdx-th mirrored bitmap word (the same
// flat indexing blktable.BitmapCache uses for the persistent bitmap),
// or ok=false if wordIdx falls outside the mirrored range and the
// caller must fall back to the persistent bitmap.
func (m *Mgr) MirrorWord(wordIdx uint64) (word layout.Bitmap, ok bool) {
	if wordIdx >= NumMirrorBitmapWords {
		return layout.Bitmap{}, false
	}
	chunk := wordIdx / layout.NumBitmapPerBlock
	local := wordIdx % layout.NumBitmapPerBlock
	start := int(chunk) * int(layout.BlockSize)
	region := m.addr[start : start+int(layout.BlockSize)]
	return layout.NewBitmapBlockView(region).Word(local), true
}
