// Package image implements the Bluetrum flash image codec: region codec,
// boot header + region table, and the resource blob format layered on top
// of a region's data. Grounded on the teacher's internal/zmodem
// Build*Header/Parse*Header pairing (pack fields, stamp a CRC; parse,
// verify the same CRC) and on original_source/fwmake1.py, fwunpack.py for
// the exact byte layout, including the deliberately-preserved
// padding-CRC quirk in the block-CRC table (spec.md §4.4 step 5, §9).
package image

import (
	"encoding/binary"

	"github.com/rj45lab/bluetrum-tools/internal/cipher"
	"github.com/rj45lab/bluetrum-tools/internal/crc"
	"github.com/rj45lab/bluetrum-tools/internal/errs"
)

const (
	blockSize        = 512
	regionHeaderSize = 16 // 14 raw bytes + 2-byte header CRC
)

func alignBy(value, alignment int) int {
	n := value % alignment
	if n > 0 {
		n = alignment - n
	}
	return n
}

func alignTo(value, alignment int) int {
	return value + alignBy(value, alignment)
}

// Region is a built or parsed region: its encoded bytes (header + block-CRC
// table + data, exactly as they sit in the image) plus the metadata that
// goes into the image's region-table entry.
type Region struct {
	Magic       [4]byte
	Bytes       []byte // header + crc table + data, starting at the region's own offset 0
	DataSize    int    // padded payload size (region table's region_size)
	DataCRC     uint16 // region table's region_data_crc
	Scrambled   bool
	NumBlocks   int
	DataOffset  int // offset of the data area within Bytes (= header+crc table size)
}

// BuildRegion packs one region: payload is the raw (unpadded) region
// contents, key is the scrambling key to use or nil for no scrambling,
// isLast controls the 4KiB-vs-512-byte trailing alignment, and baseOffset
// is the region's absolute offset within the final image (needed to
// reproduce the reference tool's padding-CRC-table quirk and the
// last-region 4KiB alignment, both of which are computed against absolute
// image offsets).
func BuildRegion(magic [4]byte, payload []byte, key *uint32, isLast bool, baseOffset int) *Region {
	rdata := append([]byte(nil), payload...)
	rdata = append(rdata, make([]byte, alignBy(len(rdata), blockSize))...)
	nblocks := len(rdata) / blockSize

	dataOffsetRel := alignTo(regionHeaderSize+2*nblocks, blockSize)

	buf := make([]byte, dataOffsetRel)
	buf = append(buf, rdata...)

	if isLast {
		pad := alignBy(baseOffset+len(buf), 4096)
		buf = append(buf, make([]byte, pad)...)
	}

	// Region header: magic, header+crctable size, data size, header-only
	// size (always 16), header CRC at offset 14.
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dataOffsetRel))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(rdata)))
	binary.LittleEndian.PutUint16(buf[12:14], regionHeaderSize)
	binary.LittleEndian.PutUint16(buf[14:16], crc.CRC16(buf[0:14], 0xFFFF))

	// Block-CRC table: one u16 per 512-byte data block, in ascending
	// order; any trailing slots created by rounding the header+table area
	// up to a 512-byte boundary are filled with a CRC of everything
	// emitted so far, seeded with the slot's own absolute byte offset in
	// the image — not a meaningful integrity value, reproduced verbatim
	// for byte-exact output (spec.md §9).
	for coff := regionHeaderSize; coff < dataOffsetRel; coff += 2 {
		blki := (coff - regionHeaderSize) / 2
		rboff := blki * blockSize
		var c uint16
		if rboff < len(rdata) {
			blockStart := dataOffsetRel + rboff
			c = crc.CRC16(buf[blockStart:blockStart+blockSize], uint16(blki+1))
		} else {
			c = crc.CRC16(buf[0:coff], uint16(baseOffset+coff))
		}
		binary.LittleEndian.PutUint16(buf[coff:coff+2], c)
	}

	// Region data CRC is computed over the plain (not-yet-scrambled) data
	// area, including any trailing last-region padding — this is also
	// what the unpacker checks, since it verifies after descrambling.
	dataCRC := crc.CRC16(buf[dataOffsetRel:], 0xFFFF)

	if key != nil {
		for off := dataOffsetRel; off < len(buf); off += blockSize {
			blki := (off - dataOffsetRel) / blockSize
			slotOff := regionHeaderSize + blki*2
			blockCRC := binary.LittleEndian.Uint16(buf[slotOff : slotOff+2])
			end := off + blockSize
			if end > len(buf) {
				end = len(buf)
			}
			cipher.XORInPlace(buf, off, end-off, *key^uint32(blockCRC))
		}
	}

	return &Region{
		Magic:      magic,
		Bytes:      buf,
		DataSize:   len(rdata),
		DataCRC:    dataCRC,
		Scrambled:  key != nil,
		NumBlocks:  nblocks,
		DataOffset: dataOffsetRel,
	}
}

// ParsedRegion is the result of parsing one region out of an image buffer.
type ParsedRegion struct {
	Type        string // plain ASCII tag, e.g. "XCOD"
	Data        []byte // descrambled payload, DataSize bytes (no trailing region padding)
	HeaderCRCOK bool
	BlockCRCErr []int // indices of blocks whose CRC didn't verify
	DataCRCOK   bool
	DataSize    int
	NumBlocks   int
}

// ParseRegion parses and descrambles one region in-place within img,
// starting at offset. key is the scrambling key to undo, or nil if this
// region was never scrambled (region table's scrambled_flag == 0) — in
// that case no XOR is applied at all, matching BuildRegion's behavior of
// skipping scrambling entirely rather than scrambling with key 0.
// expectedDataCRC is the region table's region_data_crc, checked against
// the descrambled data. isLast controls 4KiB-vs-512-byte trailing
// alignment. It mutates img in place (descrambling in place matches the
// reference tool's behavior of producing a fully-descrambled image dump).
func ParseRegion(img []byte, offset int, key *uint32, expectedDataCRC uint16, isLast bool) (*ParsedRegion, error) {
	if offset+16 > len(img) {
		return nil, errs.New(errs.HeaderInvalid, "region header runs past end of image")
	}
	hdrCRC := binary.LittleEndian.Uint16(img[offset+14 : offset+16])
	headerOK := crc.CRC16(img[offset:offset+14], 0xFFFF) == hdrCRC

	magic := [4]byte{img[offset], img[offset+1], img[offset+2], img[offset+3]}
	hsize := int(binary.LittleEndian.Uint32(img[offset+4 : offset+8]))
	dsize := int(binary.LittleEndian.Uint32(img[offset+8 : offset+12]))

	dataOffset := offset + hsize
	nblocks := (dsize + blockSize - 1) / blockSize

	var dataEnd int
	if isLast {
		dataEnd = (dataOffset + dsize + 0xFFF) &^ 0xFFF
	} else {
		dataEnd = (dataOffset + dsize + 0x1FF) &^ 0x1FF
	}
	if dataEnd > len(img) {
		return nil, errs.New(errs.HeaderInvalid, "region data runs past end of image")
	}

	var blockErrs []int
	for off := dataOffset; off < dataEnd; off += blockSize {
		relOff := off - dataOffset
		blki := relOff / blockSize

		slotOff := offset + regionHeaderSize + blki*2
		var blockCRC uint16
		if slotOff+2 <= len(img) {
			blockCRC = binary.LittleEndian.Uint16(img[slotOff : slotOff+2])
		}

		end := off + blockSize
		if end > dataEnd {
			end = dataEnd
		}

		if key != nil {
			cipher.XORInPlace(img, off, end-off, *key^uint32(blockCRC))
		}

		if relOff < dsize {
			if crc.CRC16(img[off:end], uint16(blki+1)) != blockCRC {
				blockErrs = append(blockErrs, blki)
			}
		}
	}

	dataCRCOK := crc.CRC16(img[dataOffset:dataEnd], 0xFFFF) == expectedDataCRC

	return &ParsedRegion{
		Type:        sanitizeTag(magic),
		Data:        append([]byte(nil), img[dataOffset:dataOffset+min(dsize, dataEnd-dataOffset)]...),
		HeaderCRCOK: headerOK,
		BlockCRCErr: blockErrs,
		DataCRCOK:   dataCRCOK,
		DataSize:    dsize,
		NumBlocks:   nblocks,
	}, nil
}

func sanitizeTag(magic [4]byte) string {
	b := make([]byte, 4)
	for i, v := range magic {
		b[i] = v & 0x7F
	}
	return string(b)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
