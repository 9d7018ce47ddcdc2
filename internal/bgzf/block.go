// Package bgzf implements a parallel BGZF (blocked gzip) encoder and a
// sequential block decoder. A BGZF stream is a concatenation of independent
// deflate blocks of at most 64 KiB, each framed as a gzip member carrying a
// BC extra subfield with the block length, which makes the stream seekable
// by virtual offset.
package bgzf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/flate"
)

// Block framing sizes from the SAM/BAM specification.
const (
	// BlockHeaderLength is the fixed gzip+BC header preceding the deflate
	// payload of every block.
	BlockHeaderLength = 18
	// BlockFooterLength is the CRC32 + ISIZE trailer following the payload.
	BlockFooterLength = 8
	// MaxBlockSize caps the total on-disk size of one block.
	MaxBlockSize = 0x10000
	// DefaultUncompressedBlockSize is the amount of uncompressed data
	// accumulated before a block is emitted. It leaves enough slack below
	// MaxBlockSize that a stored-mode fallback always fits.
	DefaultUncompressedBlockSize = MaxBlockSize - 256

	// DefaultCompressionLevel is the deflate level used when the caller
	// does not pick one.
	DefaultCompressionLevel = 5

	maxDeflatedSize = MaxBlockSize - BlockHeaderLength - BlockFooterLength
)

// ErrBlockOverflow reports a block that does not fit MaxBlockSize even in
// stored mode. The uncompressed block size cap makes this unreachable; seeing
// it means an internal invariant was broken.
var ErrBlockOverflow = errors.New("bgzf: compressed block exceeds maximum block size")

// EOFBlock is the canonical 28-byte empty block terminating a well-formed
// BGZF file.
var EOFBlock = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// headerTemplate is the fixed prefix of every block header; only the BSIZE
// field at offset 16 varies per block.
var headerTemplate = [BlockHeaderLength]byte{
	0x1f, 0x8b, // gzip ID1, ID2
	0x08,       // CM deflate
	0x04,       // FLG: FEXTRA
	0, 0, 0, 0, // MTIME
	0x00,       // XFL
	0xff,       // OS unknown
	0x06, 0x00, // XLEN
	'B', 'C', // BGZF subfield id
	0x02, 0x00, // SLEN
	0, 0, // BSIZE, patched per block
}

// blockCodec deflates one uncompressed block into its BGZF frame. Each pool
// worker owns its own codec; the deflate contexts are reused across blocks.
type blockCodec struct {
	deflater *flate.Writer
	// Stored-mode deflater for inputs that deflate would expand. Stored
	// output adds only a few bytes of framing, so with the uncompressed
	// block size cap it always fits the frame.
	stored  *flate.Writer
	payload bytes.Buffer
}

func newBlockCodec(level int) (*blockCodec, error) {
	deflater, err := flate.NewWriter(nil, level)
	if err != nil {
		return nil, fmt.Errorf("creating deflater: %w", err)
	}
	stored, err := flate.NewWriter(nil, flate.NoCompression)
	if err != nil {
		return nil, fmt.Errorf("creating stored-mode deflater: %w", err)
	}
	return &blockCodec{deflater: deflater, stored: stored}, nil
}

// encode frames src as one BGZF block appended to dst[:0] and returns the
// resulting slice. len(src) must not exceed DefaultUncompressedBlockSize.
func (c *blockCodec) encode(dst, src []byte) ([]byte, error) {
	if err := c.deflate(c.deflater, src); err != nil {
		return nil, err
	}
	if c.payload.Len() > maxDeflatedSize {
		// Deflate expanded the input; redo as stored blocks.
		if err := c.deflate(c.stored, src); err != nil {
			return nil, err
		}
		if c.payload.Len() > maxDeflatedSize {
			return nil, ErrBlockOverflow
		}
	}

	total := BlockHeaderLength + c.payload.Len() + BlockFooterLength
	dst = append(dst[:0], headerTemplate[:]...)
	binary.LittleEndian.PutUint16(dst[16:18], uint16(total-1))
	dst = append(dst, c.payload.Bytes()...)

	var footer [BlockFooterLength]byte
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(src))
	binary.LittleEndian.PutUint32(footer[4:8], uint32(len(src)))
	return append(dst, footer[:]...), nil
}

func (c *blockCodec) deflate(fw *flate.Writer, src []byte) error {
	c.payload.Reset()
	fw.Reset(&c.payload)
	if _, err := fw.Write(src); err != nil {
		return fmt.Errorf("deflating block: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("finishing deflate stream: %w", err)
	}
	return nil
}
