// Package cipher implements the Bluetrum LFSR stream cipher and the key
// derivation functions built on top of it and on internal/crc. The cipher's
// keystream is driven by a polynomial equivalent to x32+x30+x26+x25 (the
// 0xA3000000 constant below — "the 'A3' surely resembles their logo", per
// the original tool's own comment).
package cipher

import "github.com/rj45lab/bluetrum-tools/internal/crc"

const polyConst = 0xA3000000

var table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		reg := uint32(i)
		for j := 0; j < 8; j++ {
			if reg&1 != 0 {
				reg = (reg >> 1) ^ polyConst
			} else {
				reg = reg >> 1
			}
		}
		table[i] = reg
	}
}

// XORInPlace XORs size bytes of buf starting at offset with the keystream
// derived from key, advancing the LFSR register once per byte. It returns
// the register value after processing, so callers can chain the keystream
// across calls (e.g. one call per 512-byte block, reseeded per block).
//
// This is an involution: calling it twice in a row with the same starting
// key restores the original bytes.
func XORInPlace(buf []byte, offset, size int, key uint32) uint32 {
	for i := 0; i < size; i++ {
		buf[offset+i] ^= byte(key)
		key = (key >> 8) ^ table[byte(key)]
	}
	return key
}

// XOR returns a new slice holding data with the keystream derived from key
// XORed in — a convenience wrapper around XORInPlace for callers that don't
// need in-place mutation.
func XOR(data []byte, key uint32) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	XORInPlace(out, 0, len(out), key)
	return out
}

func leBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// CalcKey derives the session authorisation key from the comms key the chip
// reports, per spec.md §4.3: two CRC-16s over the key (and its bitwise
// complement), both XORed with 0x5555AAAA first, packed into one 32-bit
// word.
func CalcKey(key uint32, init uint16) uint32 {
	a := crc.CRC16(leBytes(key^0x5555AAAA), init)
	b := crc.CRC16(leBytes(key^0xFFFFFFFF^0x5555AAAA), init)
	return uint32(a)<<16 | uint32(b)
}

// CalcUserKey derives the code-scrambling key from a user-supplied key,
// using two differently-seeded CRC-16s over the same 4 bytes.
func CalcUserKey(key uint32) uint32 {
	b := leBytes(key)
	a := crc.CRC16(b, 0x4850)
	c := crc.CRC16(b, 0x6870)
	return uint32(a)<<16 | uint32(c)
}
