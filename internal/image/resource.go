// Resource blob codec: the (name, address, size) directory plus
// concatenated file payloads that makes up a region's XRES contents
// (spec.md §4.6). Grounded on original_source/mkresblob.py (build) and
// fwunpack.py's parse_res (parse). Directory scanning and order-file input
// parsing are resource-directory scanning glue and stay in cmd/mkresblob,
// per spec.md §1's non-goals — this package only turns an already-decided
// list of (name, bytes) into the wire format and back.
package image

import (
	"bytes"
	"fmt"

	"github.com/rj45lab/bluetrum-tools/internal/bluemagic"
	"github.com/rj45lab/bluetrum-tools/internal/errs"
)

const (
	resHeaderSize  = 32 // 4B magic + 24B padding + 4B entry count
	resEntrySize   = 32 // 24B name + 4B address + 4B size
	resNameMaxLen  = 23 // truncated to leave room for the NUL terminator
)

// ResourceFile is one named payload destined for a resource blob, in the
// order it should be written.
type ResourceFile struct {
	Name string
	Data []byte // nil for a deliberately empty (zero-size) entry
}

// BuildResourceBlob packs files into a resource blob: header, fixed-size
// entry table, then each file's bytes, each one aligned up to align bytes
// from the start of the blob before its data begins.
func BuildResourceBlob(files []ResourceFile, base uint32, align int) []byte {
	buf := make([]byte, resHeaderSize+len(files)*resEntrySize)
	copy(buf[0:4], bluemagic.SignENTR[:])
	le32(buf[28:32], uint32(len(files)))

	for i, f := range files {
		name := f.Name
		if len(name) > resNameMaxLen {
			name = name[:resNameMaxLen]
		}

		buf = append(buf, make([]byte, alignBy(len(buf), align))...)
		address := base + uint32(len(buf))

		entryOff := resHeaderSize + i*resEntrySize
		copy(buf[entryOff:entryOff+24], []byte(name))
		le32(buf[entryOff+24:entryOff+28], address)
		le32(buf[entryOff+28:entryOff+32], uint32(len(f.Data)))

		buf = append(buf, f.Data...)
	}

	return buf
}

// ResourceEntry is one parsed directory entry; Data is nil for a zero-size
// entry, which is listed but never materialised as a file.
type ResourceEntry struct {
	Name   string
	Offset uint32
	Size   uint32
	Data   []byte
}

// ParseResourceBlob parses a resource blob's directory and slices out each
// entry's payload. It stops (rather than erroring the whole blob) at the
// first entry whose address or extent is out of range, matching the
// reference tool's "best effort" parse.
func ParseResourceBlob(data []byte, base uint32) ([]ResourceEntry, error) {
	if len(data) < resHeaderSize {
		return nil, errs.New(errs.HeaderInvalid, "resource blob shorter than header")
	}
	if !bytes.Equal(data[0:4], bluemagic.SignENTR[:]) {
		return nil, errs.New(errs.HeaderInvalid, "resource header magic mismatch")
	}
	entcnt := int(le32get(data[28:32]))
	if resHeaderSize+entcnt*resEntrySize >= len(data) {
		return nil, errs.New(errs.OutOfRange, "entries go over the resource region")
	}

	var entries []ResourceEntry
	for i := 0; i < entcnt; i++ {
		off := resHeaderSize + i*resEntrySize
		rawName := data[off : off+24]
		addr := le32get(data[off+24 : off+28])
		size := le32get(data[off+28 : off+32])

		if addr < base {
			break
		}
		eoff := addr - base
		if uint64(eoff)+uint64(size) > uint64(len(data)) {
			break
		}

		name := string(bytes.TrimRight(rawName, "\x00"))
		if name == "" {
			continue
		}

		e := ResourceEntry{Name: name, Offset: eoff, Size: size}
		if size > 0 {
			e.Data = append([]byte(nil), data[eoff:eoff+size]...)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// BuildOrderFile renders the "00__order__00.txt" sidecar fwunpack writes
// next to an unpacked resource directory, naming entries in on-disk order
// so a later repack via mkresblob's order-file input reproduces the same
// layout. The boilerplate text is reproduced verbatim from the reference
// unpacker.
func BuildOrderFile(entries []ResourceEntry) string {
	var b bytes.Buffer
	b.WriteString("// NOTICE: You should not modify the order of the resource files below in any way.\n")
	b.WriteString("// The firmware refers to each resource by the means of hardcoded offsets to the\n")
	b.WriteString("// address and size fields of the entries themselve, meaning that if you change\n")
	b.WriteString("// the order of the items (or insert something in between), you'll most likely just break it.\n")
	b.WriteString("// This file solely exists to not alter the order of the entries in case the filesystem where\n")
	b.WriteString("// these entries are being extracted to alters the order even further.\n")
	b.WriteString("// Also, the entries that are zero bytes in length are also listed there,\n")
	b.WriteString("// instead of being extracted like any other file.\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\n", e.Name)
	}
	b.WriteString("\n// Here is the end.\n")
	return b.String()
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le32get(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
