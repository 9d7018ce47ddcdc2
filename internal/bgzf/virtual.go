package bgzf

import "errors"

// A VirtualOffset addresses one byte of uncompressed content in a BGZF
// stream. The upper 48 bits hold the byte offset of the enclosing block in
// the compressed stream, the lower 16 bits the offset into that block's
// uncompressed payload.
//
// While a block is still waiting to be compressed and placed, offsets minted
// for it carry the logical block index in the address field instead of a byte
// offset (see Writer.FilePointer). Such preliminary offsets are patched to
// their final form by the deferred indexer once the block lands.
type VirtualOffset uint64

const (
	addressShift = 16
	offsetMask   = 1<<addressShift - 1

	// MaxBlockAddress is the largest compressed-stream offset a virtual
	// offset can address (48 bits).
	MaxBlockAddress = 1<<48 - 1
)

// ErrInvalidOffset is returned by Make when a field does not fit its slot.
var ErrInvalidOffset = errors.New("bgzf: virtual offset field out of range")

// Make packs a block address and an intra-block offset into a VirtualOffset.
func Make(blockAddress uint64, intraOffset uint32) (VirtualOffset, error) {
	if blockAddress > MaxBlockAddress || intraOffset > offsetMask {
		return 0, ErrInvalidOffset
	}
	return VirtualOffset(blockAddress<<addressShift | uint64(intraOffset)), nil
}

// BlockAddress returns the compressed-stream byte offset of the enclosing
// block, or the logical block index if v is still preliminary.
func (v VirtualOffset) BlockAddress() uint64 {
	return uint64(v) >> addressShift
}

// IntraOffset returns the offset into the block's uncompressed payload.
func (v VirtualOffset) IntraOffset() uint16 {
	return uint16(v & offsetMask)
}

// WithBlockAddress returns v with its address field replaced by addr, keeping
// the intra-block offset. The caller guarantees addr fits in 48 bits; the
// ordered sink never produces a larger one.
func (v VirtualOffset) WithBlockAddress(addr uint64) VirtualOffset {
	return VirtualOffset(addr<<addressShift | uint64(v&offsetMask))
}
