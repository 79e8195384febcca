package ota

// bitmap has one bit per block, 1 while the block is missing. Block i is bit
// 0x80>>(i%8) of byte i/8.
type bitmap []byte

func bitmapLen(blocks uint32) int {
	return int((blocks + 7) / 8)
}

// newBitmap marks every block missing. Bits past the last block are clear.
func newBitmap(blocks uint32) bitmap {
	b := make(bitmap, bitmapLen(blocks))
	for i := range b {
		b[i] = 0xff
	}
	if extra := uint(blocks % 8); extra != 0 {
		b[len(b)-1] = 0xff << (8 - extra)
	}
	return b
}

func (b bitmap) missing(i uint32) bool {
	return b[i/8]&(0x80>>(i%8)) != 0
}

func (b bitmap) clear(i uint32) {
	b[i/8] &^= 0x80 >> (i % 8)
}
