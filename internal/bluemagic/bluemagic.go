// Package bluemagic holds the toolkit's magic numbers — the scrambling
// keys and region signatures from spec.md §6 — and a small best-effort
// sniffer used by fwunpack to tell the user what kind of blob they handed
// it, without interpreting anything beyond the byte positions a key lives
// at (per spec.md §1's "no recovery of unknown/undocumented flag bits").
package bluemagic

// Scrambling keys, little-endian u32.
const (
	KeyDll  uint32 = 0x48502018 // used by the "dll" files
	KeyXFIL uint32 = 0x4C494658 // used by header.bin, etc.
	KeyLVMG uint32 = 0x474D564C // used for the firmware header & boot code
	KeyXAPP uint32 = 0x50504158 // used for the XCOD area & region table
	KeyUBIN uint32 = 0xCEC9C2D5
	KeySegk uint32 = 0x6B676573
)

// Region/file signatures. Each is ASCII with the high bit of every byte
// set — SignRaw strips that back off.
var (
	SignENTR = [4]byte{0xC5, 0xCE, 0xD4, 0xD2} // res.bin file list header
	SignDOWN = [4]byte{0xC4, 0xCF, 0xD7, 0xCE} // "DOWN" section
	SignXCOD = [4]byte{0xD8, 0xC3, 0xCF, 0xC4} // code area sign
	SignXRES = [4]byte{0xD8, 0xD2, 0xC5, 0xD3} // resource area sign
)

// SignRaw clears the high bit of every byte of a masked magic signature,
// recovering the plain ASCII tag (e.g. "ENTR", "XCOD").
func SignRaw(sig [4]byte) string {
	b := make([]byte, 4)
	for i, v := range sig {
		b[i] = v & 0x7F
	}
	return string(b)
}

// Identify takes a best guess at what a blob's first bytes represent, for
// diagnostic output only — it never changes parsing behavior.
func Identify(header []byte) string {
	if len(header) < 4 {
		return "unknown (too short)"
	}
	// A valid flash image's first byte, once descrambled with KeyLVMG (or a
	// header.bin's, with KeyXFIL), is 0x5A. We can't descramble here without mutating the caller's buffer,
	// so this only recognizes container-level signatures already in plain
	// form (e.g. a bare region dump).
	switch [4]byte{header[0], header[1], header[2], header[3]} {
	case SignENTR:
		return "resource blob (ENTR)"
	case SignDOWN:
		return "DOWN section"
	case SignXCOD:
		return "code region (XCOD)"
	case SignXRES:
		return "resource region (XRES)"
	}
	if len(header) >= 4 && header[0] == 'D' && header[1] == 'C' && header[2] == 'F' && header[3] == 0 {
		return "DCF container (encrypted, unsupported)"
	}
	return "unrecognized — if this is a header.bin, it should be scrambled with the XFIL key before the magic byte check; bare dll-keyed blobs are not flash images"
}
