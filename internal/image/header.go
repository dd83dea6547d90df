// Header/image-level packing and parsing: boot header, region table, and
// the overall scrambled-image layout from spec.md §3-§4.5. Grounded on
// original_source/fwmake1.py (pack) and fwunpack.py (unpack) byte-for-byte,
// and on the teacher's Build*Header/Parse*Header "stamp then verify the
// same CRC" pairing.
package image

import (
	"encoding/binary"

	"github.com/rj45lab/bluetrum-tools/internal/bluemagic"
	"github.com/rj45lab/bluetrum-tools/internal/cipher"
	"github.com/rj45lab/bluetrum-tools/internal/crc"
	"github.com/rj45lab/bluetrum-tools/internal/errs"
)

const (
	headerSize       = 0x40
	regionTableOff   = 0x40
	regionTableSize  = 0x40
	regionTableCRCAt = 0x80
	maxRegions       = 4
	regionEntrySize  = 16
	headerPadAlign   = 0x2000
)

var (
	MagicXCOD = [4]byte(bluemagic.SignXCOD)
	MagicXRES = [4]byte(bluemagic.SignXRES)
)

// dup16 replicates a u16 into both halves of a u32 — the
// "value * 0x00010001" trick the reference tool uses to turn a CRC-16 into
// a scrambling-key-sized quantity.
func dup16(v uint16) uint32 {
	return uint32(v) | uint32(v)<<16
}

// BootHeader is the decoded fixed-position fields of a header.bin, before
// any region is attached.
type BootHeader struct {
	Flags       uint16
	ChipID      [8]byte
	LoadAddr    uint32
	EntryAddr   uint32
	BootOffset  uint32
	BootSize    uint32
}

func (h *BootHeader) ScrambleData() bool { return h.Flags&0x0008 == 0 }
func (h *BootHeader) DisableCRCs() bool  { return h.Flags&0x0002 != 0 }

// decodeHeaderPrefix parses the first 28 bytes of a plain (descrambled)
// header buffer into a BootHeader, validating the magic checksum.
func decodeHeaderPrefix(header []byte) (*BootHeader, error) {
	if len(header) < 28 {
		return nil, errs.New(errs.HeaderInvalid, "header too short (%d bytes)", len(header))
	}
	if header[0] != 0x5A {
		return nil, errs.New(errs.HeaderInvalid, "bad magic byte %#02x", header[0])
	}
	sum := 0
	for _, b := range header[0:4] {
		sum += int(b)
	}
	if sum%256 != 0 {
		return nil, errs.New(errs.HeaderInvalid, "magic checksum failed (sum=%d)", sum)
	}

	h := &BootHeader{
		Flags: binary.LittleEndian.Uint16(header[1:3]),
	}
	copy(h.ChipID[:], header[4:12])
	h.LoadAddr = binary.LittleEndian.Uint32(header[12:16])
	h.EntryAddr = binary.LittleEndian.Uint32(header[16:20])
	h.BootOffset = binary.LittleEndian.Uint32(header[20:24])
	h.BootSize = binary.LittleEndian.Uint32(header[24:28])
	return h, nil
}

// BuildImageInput bundles the pack() inputs of spec.md §4.5.
type BuildImageInput struct {
	HeaderBlob    []byte // raw header.bin contents, still scrambled with XFIL
	AppBlob       []byte
	ResBlob       []byte // nil if no resources
	CodeKey       uint32 // direct code key; ignored if UserKey is set
	UserKey       *uint32
	ScrambleRes   bool // --no-res-scramble clears this
}

// BuildImage packs a full flash image per spec.md §4.5 "Pack".
func BuildImage(in BuildImageInput) ([]byte, error) {
	header := cipher.XOR(in.HeaderBlob, bluemagic.KeyXFIL)

	bh, err := decodeHeaderPrefix(header)
	if err != nil {
		return nil, err
	}
	if int(bh.BootOffset) > len(header) {
		return nil, errs.New(errs.OutOfRange, "boot code offset %#x beyond header file size %#x", bh.BootOffset, len(header))
	}
	if int(bh.BootOffset+bh.BootSize) > len(header) {
		return nil, errs.New(errs.OutOfRange, "boot code (size %d) runs past header file end", bh.BootSize)
	}

	bootCRC := crc.CRC16(header[bh.BootOffset:bh.BootOffset+bh.BootSize], 0xFFFF)

	codeKey := in.CodeKey
	if in.UserKey != nil {
		codeKey = cipher.CalcUserKey(*in.UserKey)
	}

	contents := append([]byte(nil), header...)
	contents = append(contents, make([]byte, alignBy(len(contents), headerPadAlign))...)
	for i := len(header); i < len(contents); i++ {
		contents[i] = 0xFF
	}

	if !bh.ScrambleData() {
		cipher.XORInPlace(contents, 0, 4, bluemagic.KeyLVMG)
	}

	// CRCs are always written, regardless of the "disable CRCs" flag bit —
	// the reference packer ignores that flag on write (spec.md §9).
	binary.LittleEndian.PutUint16(contents[0x1C:0x1E], bootCRC)
	binary.LittleEndian.PutUint16(contents[0x3E:0x40], crc.CRC16(contents[0:0x3E], 0xFFFF))

	if bh.ScrambleData() {
		cipher.XORInPlace(contents, 0, headerSize, bluemagic.KeyLVMG)
		scrambleBootCode(contents, int(bh.BootOffset), int(bh.BootSize), bootCRC)
	}

	type regionSpec struct {
		magic [4]byte
		data  []byte
		key   *uint32
	}
	codeRegionKey := codeKey ^ dup16(bootCRC) ^ bluemagic.KeyXAPP
	specs := []regionSpec{{MagicXCOD, in.AppBlob, &codeRegionKey}}
	if in.ResBlob != nil {
		var resKey *uint32
		if in.ScrambleRes {
			zero := uint32(0)
			resKey = &zero
		}
		specs = append(specs, regionSpec{MagicXRES, in.ResBlob, resKey})
	}

	for i, rs := range specs {
		baseOffset := len(contents)
		region := BuildRegion(rs.magic, rs.data, rs.key, i == len(specs)-1, baseOffset)
		contents = append(contents, region.Bytes...)

		entry := make([]byte, regionEntrySize)
		binary.LittleEndian.PutUint32(entry[0:4], uint32(baseOffset))
		binary.LittleEndian.PutUint32(entry[4:8], uint32(region.DataSize))
		binary.LittleEndian.PutUint32(entry[8:12], 0)
		binary.LittleEndian.PutUint16(entry[12:14], region.DataCRC)
		entry[14] = byte(i)
		if region.Scrambled {
			entry[15] = 1
		}
		copy(contents[regionTableOff+i*regionEntrySize:], entry)
	}

	rtcrc := crc.CRC16(contents[regionTableOff:regionTableOff+regionTableSize], 0xFFFF)
	binary.LittleEndian.PutUint16(contents[regionTableCRCAt:regionTableCRCAt+2], rtcrc)
	cipher.XORInPlace(contents, regionTableOff, regionTableSize, bluemagic.KeyXAPP^dup16(rtcrc))

	return contents, nil
}

// scrambleBootCode scrambles the boot code in 512-byte blocks, keyed off
// the boot CRC and the block's offset — shared by the image packer and
// the unpacker (the operation is its own inverse). cmd/mkheader's
// bootable-image path carries its own copy of this loop.
func scrambleBootCode(buf []byte, offset, size int, bootCRC uint16) {
	for off := offset; off < offset+size; off += blockSize {
		n := blockSize
		if off+n > offset+size {
			n = offset + size - off
		}
		key := bluemagic.KeyLVMG ^ dup16(bootCRC) ^ uint32((off>>9)-1)
		cipher.XORInPlace(buf, off, n, key)
	}
}

// UnpackResult is everything fwunpack needs to write files and report
// diagnostics for one image.
type UnpackResult struct {
	Header        BootHeader
	HeaderCRCOK   bool
	BootCode      []byte
	BootCRCOK     bool
	HeaderBinFile []byte // re-scrambled header.bin equivalent
	RegionTableOK bool
	Regions       []UnpackedRegion
	Decrypted     []byte // fully descrambled image
	CodeRegionBad bool   // true if the XCOD region failed its data CRC
}

// UnpackedRegion is one region's parse result plus its table metadata.
type UnpackedRegion struct {
	Index     int
	Type      string
	RawMagic  [4]byte
	Data      []byte
	HeaderOK  bool
	BlockErrs []int
	DataCRCOK bool
}

// UnpackImage parses a full flash image per spec.md §4.5 "Unpack". userKey
// is the *raw* user key, or nil if none was supplied (distinct from a
// supplied key of 0) — this function derives calc_user_key internally.
func UnpackImage(image []byte, userKey *uint32) (*UnpackResult, error) {
	if len(image) < regionTableCRCAt+2 {
		return nil, errs.New(errs.HeaderInvalid, "image too short (%d bytes)", len(image))
	}
	data := append([]byte(nil), image...)

	cipher.XORInPlace(data, 0, headerSize, bluemagic.KeyLVMG)

	headerCRCOK := crc.CRC16(data[0:0x3E], 0xFFFF) == binary.LittleEndian.Uint16(data[0x3E:0x40])

	bh, err := decodeHeaderPrefix(data)
	if err != nil {
		return nil, err
	}
	bootCRC := binary.LittleEndian.Uint16(data[0x1C:0x1E])

	scrambleBootCode(data, int(bh.BootOffset), int(bh.BootSize), bootCRC)

	bootEnd := int(bh.BootOffset) + int(bh.BootSize)
	if bootEnd > len(data) {
		return nil, errs.New(errs.OutOfRange, "boot code runs past end of image")
	}
	bootCode := append([]byte(nil), data[bh.BootOffset:bootEnd]...)
	bootCRCOK := crc.CRC16(bootCode, 0xFFFF) == bootCRC

	hdrbin := make([]byte, bh.BootOffset)
	hdrbin = append(hdrbin, bootCode...)
	binary.LittleEndian.PutUint16(hdrbin[1:3], bh.Flags)
	hdrbin[0] = 0x5A
	hdrbin[3] = byte((0 - sum4(hdrbin[0:4])) & 0xFF)
	copy(hdrbin[4:12], bh.ChipID[:])
	binary.LittleEndian.PutUint32(hdrbin[12:16], bh.LoadAddr)
	binary.LittleEndian.PutUint32(hdrbin[16:20], bh.EntryAddr)
	binary.LittleEndian.PutUint32(hdrbin[20:24], bh.BootOffset)
	binary.LittleEndian.PutUint32(hdrbin[24:28], bh.BootSize)
	headerBinFile := cipher.XOR(hdrbin, bluemagic.KeyXFIL)

	rtcrc := binary.LittleEndian.Uint16(data[regionTableCRCAt : regionTableCRCAt+2])
	cipher.XORInPlace(data, regionTableOff, regionTableSize, bluemagic.KeyXAPP^dup16(rtcrc))
	rtOK := crc.CRC16(data[regionTableOff:regionTableOff+regionTableSize], 0xFFFF) == rtcrc

	var userCodeKey uint32
	if userKey != nil {
		userCodeKey = cipher.CalcUserKey(*userKey)
	}

	type entry struct {
		offset, size int
		index        int
		scrambled    bool
		dataCRC      uint16
	}
	var entries []entry
	for i := 0; i < maxRegions; i++ {
		base := regionTableOff + i*regionEntrySize
		off := int(binary.LittleEndian.Uint32(data[base : base+4]))
		size := int(binary.LittleEndian.Uint32(data[base+4 : base+8]))
		if off == 0 && size == 0 {
			continue
		}
		entries = append(entries, entry{
			offset:    off,
			size:      size,
			index:     int(data[base+14]),
			scrambled: data[base+15] != 0,
			dataCRC:   binary.LittleEndian.Uint16(data[base+12 : base+14]),
		})
	}

	res := &UnpackResult{
		Header:        *bh,
		HeaderCRCOK:   headerCRCOK,
		BootCode:      bootCode,
		BootCRCOK:     bootCRCOK,
		HeaderBinFile: headerBinFile,
		RegionTableOK: rtOK,
	}

	for ri, e := range entries {
		isLast := ri == len(entries)-1

		var key *uint32
		if e.scrambled {
			var k uint32
			if e.index == 0 {
				k = bluemagic.KeyXAPP ^ dup16(bootCRC) ^ userCodeKey
			}
			key = &k
		}

		parsed, err := ParseRegion(data, e.offset, key, e.dataCRC, isLast)
		if err != nil {
			return nil, err
		}

		ur := UnpackedRegion{
			Index:     e.index,
			Type:      parsed.Type,
			Data:      parsed.Data,
			HeaderOK:  parsed.HeaderCRCOK,
			BlockErrs: parsed.BlockCRCErr,
			DataCRCOK: parsed.DataCRCOK,
		}
		res.Regions = append(res.Regions, ur)

		if !parsed.DataCRCOK && ur.Type == "XCOD" {
			res.CodeRegionBad = true
			break
		}
	}

	res.Decrypted = data
	return res, nil
}

func sum4(b []byte) int {
	s := 0
	for _, v := range b[:4] {
		s += int(v)
	}
	return s
}
