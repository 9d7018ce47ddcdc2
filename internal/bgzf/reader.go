package bgzf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
)

// ErrNoTerminator reports a BGZF file that does not end with the canonical
// EOF block.
var ErrNoTerminator = errors.New("bgzf: missing EOF terminator block")

// BlockInfo describes one decoded block's position in the compressed stream.
type BlockInfo struct {
	Index            int
	Address          uint64 // byte offset of the block's first byte
	CompressedSize   int    // total frame size including header and footer
	UncompressedSize int
}

// Reader decodes a BGZF stream block by block, verifying each block's CRC32
// and ISIZE independently of its neighbors.
type Reader struct {
	r     io.Reader
	fr    io.ReadCloser
	index int
	addr  uint64

	payload []byte
	data    []byte
	cur     []byte
	err     error
}

// NewReader returns a Reader decoding the BGZF stream r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       r,
		index:   -1,
		payload: make([]byte, 0, MaxBlockSize),
		data:    make([]byte, 0, MaxBlockSize),
	}
}

// NextBlock decodes the next block and returns its uncompressed payload,
// valid until the following call. The terminator block comes back as an
// empty payload; io.EOF marks the end of the stream.
func (r *Reader) NextBlock() ([]byte, BlockInfo, error) {
	if r.err != nil {
		return nil, BlockInfo{}, r.err
	}
	data, info, err := r.readBlock()
	if err != nil {
		r.err = err
		return nil, BlockInfo{}, err
	}
	return data, info, nil
}

// Read streams the concatenated uncompressed payloads of all blocks.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		data, _, err := r.NextBlock()
		if err != nil {
			return 0, err
		}
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *Reader) readBlock() ([]byte, BlockInfo, error) {
	var fixed [12]byte
	if _, err := io.ReadFull(r.r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, BlockInfo{}, io.EOF
		}
		return nil, BlockInfo{}, fmt.Errorf("reading block header: %w", err)
	}
	if fixed[0] != 0x1f || fixed[1] != 0x8b || fixed[2] != 0x08 {
		return nil, BlockInfo{}, errors.New("bgzf: not a gzip block")
	}
	if fixed[3]&0x04 == 0 {
		return nil, BlockInfo{}, errors.New("bgzf: gzip block without extra field")
	}

	xlen := int(binary.LittleEndian.Uint16(fixed[10:12]))
	extra := make([]byte, xlen)
	if _, err := io.ReadFull(r.r, extra); err != nil {
		return nil, BlockInfo{}, fmt.Errorf("reading extra field: %w", err)
	}
	total, err := totalBlockSize(extra)
	if err != nil {
		return nil, BlockInfo{}, err
	}

	payloadLen := total - 12 - xlen - BlockFooterLength
	if payloadLen < 0 || total > MaxBlockSize {
		return nil, BlockInfo{}, fmt.Errorf("bgzf: implausible block size %d", total)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return nil, BlockInfo{}, fmt.Errorf("reading deflate payload: %w", err)
	}
	var footer [BlockFooterLength]byte
	if _, err := io.ReadFull(r.r, footer[:]); err != nil {
		return nil, BlockInfo{}, fmt.Errorf("reading block footer: %w", err)
	}
	wantCRC := binary.LittleEndian.Uint32(footer[0:4])
	isize := int(binary.LittleEndian.Uint32(footer[4:8]))
	if isize > MaxBlockSize {
		return nil, BlockInfo{}, fmt.Errorf("bgzf: implausible uncompressed size %d", isize)
	}

	if err := r.inflate(isize); err != nil {
		return nil, BlockInfo{}, err
	}
	if crc := crc32.ChecksumIEEE(r.data); crc != wantCRC {
		return nil, BlockInfo{}, fmt.Errorf("bgzf: block CRC mismatch: got %08x, want %08x", crc, wantCRC)
	}

	r.index++
	info := BlockInfo{
		Index:            r.index,
		Address:          r.addr,
		CompressedSize:   total,
		UncompressedSize: isize,
	}
	r.addr += uint64(total)
	return r.data, info, nil
}

// totalBlockSize scans the gzip extra subfields for the BC entry and returns
// the framed block size it declares.
func totalBlockSize(extra []byte) (int, error) {
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' {
			if slen != 2 || i+6 > len(extra) {
				return 0, errors.New("bgzf: malformed BC subfield")
			}
			return int(binary.LittleEndian.Uint16(extra[i+4:i+6])) + 1, nil
		}
		i += 4 + slen
	}
	return 0, errors.New("bgzf: missing BC subfield in block header")
}

func (r *Reader) inflate(isize int) error {
	src := bytes.NewReader(r.payload)
	if r.fr == nil {
		r.fr = flate.NewReader(src)
	} else if err := r.fr.(flate.Resetter).Reset(src, nil); err != nil {
		return fmt.Errorf("resetting inflater: %w", err)
	}
	r.data = r.data[:isize]
	if _, err := io.ReadFull(r.fr, r.data); err != nil {
		return fmt.Errorf("inflating block: %w", err)
	}
	// The deflate stream must end exactly at ISIZE bytes.
	var scratch [1]byte
	if n, err := r.fr.Read(scratch[:]); n != 0 || !errors.Is(err, io.EOF) {
		return errors.New("bgzf: deflate payload longer than ISIZE")
	}
	return nil
}

// CheckTermination reopens a finished BGZF file and verifies it ends with
// the canonical EOF block. Non-regular files (pipes, sockets) cannot be
// checked and pass vacuously.
func CheckTermination(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return nil
	}
	if fi.Size() < int64(len(EOFBlock)) {
		return ErrNoTerminator
	}
	tail := make([]byte, len(EOFBlock))
	if _, err := f.ReadAt(tail, fi.Size()-int64(len(tail))); err != nil {
		return fmt.Errorf("reading %s tail: %w", path, err)
	}
	if !bytes.Equal(tail, EOFBlock) {
		return ErrNoTerminator
	}
	return nil
}
