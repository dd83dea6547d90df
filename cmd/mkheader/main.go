// Command mkheader generates a header.bin file, or (with --bootable) a
// minimal standalone bootable image, from a raw boot-code blob. Grounded
// on original_source/mkheader.py, including its quirk of blanking the
// boot CRC when asked to scramble data without CRCs enabled (spec.md §9).
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rj45lab/bluetrum-tools/internal/bluemagic"
	"github.com/rj45lab/bluetrum-tools/internal/cipher"
	"github.com/rj45lab/bluetrum-tools/internal/crc"
	"github.com/spf13/cobra"
)

const blockSize = 512

var (
	bootable   bool
	loadAddr   uint32
	entryAddr  uint32
	entryAddrSet bool
	offset     uint32
	flags      uint16
	chipIDHex  string
)

func alignTo(v, n uint32) uint32 {
	if v%n == 0 {
		return v
	}
	return v + (n - v%n)
}

func run(cmd *cobra.Command, args []string) error {
	input, output := args[0], args[1]

	chipID, err := hex.DecodeString(chipIDHex)
	if err != nil || len(chipID) != 8 {
		return fmt.Errorf("--chipid must be 8 hex bytes (16 hex digits): %v", err)
	}

	if !entryAddrSet {
		entryAddr = loadAddr
	}

	codeOffset := offset
	if codeOffset < blockSize {
		fmt.Fprintf(os.Stderr, "warning: code offset below %d bytes, adjusting\n", blockSize)
		codeOffset = blockSize
	} else if codeOffset%blockSize != 0 {
		fmt.Fprintf(os.Stderr, "warning: code offset not a multiple of %d, rounding up\n", blockSize)
		codeOffset = alignTo(codeOffset, blockSize)
	}

	scrambleData := flags&0x0008 == 0
	enableChecksums := flags&0x0002 == 0

	code, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	codeEnd := codeOffset + uint32(len(code))
	codeEnd = (codeEnd + 0xFFF) &^ 0xFFF
	code = append(code, make([]byte, int(codeEnd)-int(codeOffset)-len(code))...)

	codeCRC := crc.CRC16(code, 0xFFFF)
	fmt.Printf("Code offset: $%04X, size: %d bytes, CRC: $%04X\n", codeOffset, len(code), codeCRC)

	hmagic := []byte{0x5A, byte(flags), byte(flags >> 8)}
	sum := 0
	for _, b := range hmagic {
		sum += int(b)
	}
	hmagic = append(hmagic, byte((0-sum)&0xFF))

	contents := make([]byte, codeOffset)
	contents = append(contents, code...)

	copy(contents[0:4], hmagic)
	copy(contents[4:12], chipID)
	putLE32(contents[12:16], loadAddr)
	putLE32(contents[16:20], entryAddr)
	putLE32(contents[20:24], codeOffset)
	putLE32(contents[24:28], uint32(len(code)))

	if bootable {
		if !scrambleData {
			cipher.XORInPlace(contents, 0, 4, bluemagic.KeyLVMG)
		}

		if enableChecksums {
			putLE16(contents[0x1C:0x1E], codeCRC)
			putLE16(contents[0x3E:0x40], crc.CRC16(contents[0:0x3E], 0xFFFF))
		} else if scrambleData {
			fmt.Println("asked to scramble data while not requiring CRCs - blanking the boot code CRC")
			codeCRC = 0
		}

		if scrambleData {
			cipher.XORInPlace(contents, 0, 0x40, bluemagic.KeyLVMG)
			for off := int(codeOffset); off < len(contents); off += blockSize {
				n := blockSize
				if off+n > len(contents) {
					n = len(contents) - off
				}
				key := uint32((off/blockSize)-1) ^ bluemagic.KeyLVMG ^ (uint32(codeCRC) | uint32(codeCRC)<<16)
				cipher.XORInPlace(contents, off, n, key)
			}
		}
	} else {
		cipher.XORInPlace(contents, 0, len(contents), bluemagic.KeyXFIL)
	}

	return os.WriteFile(output, contents, 0o644)
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE16(b []byte, v uint16) {
	b[0], b[1] = byte(v), byte(v>>8)
}

func main() {
	root := &cobra.Command{
		Use:   "mkheader <input> <output>",
		Short: "Generate a header.bin file or a minimal bootable image",
		Args:  cobra.ExactArgs(2),
		RunE:  run,
	}

	root.Flags().BoolVarP(&bootable, "bootable", "b", false, "generate a minimal bootable image instead of a header.bin file")
	root.Flags().Uint32Var(&loadAddr, "load-addr", 0x10800, "load address")
	root.Flags().Uint32Var(&entryAddr, "entry-addr", 0, "entry point address (default: load address)")
	root.Flags().Uint32Var(&offset, "offset", 0x400, "offset where the code is placed in the image")
	root.Flags().Uint16Var(&flags, "flags", 0x0001, "header flag bits (bit0=init clocks, bit1=disable CRCs, bit3=don't scramble)")
	root.Flags().StringVar(&chipIDHex, "chipid", "", "chip ID, 8 hex bytes (required)")
	root.MarkFlagRequired("chipid")

	root.PreRun = func(cmd *cobra.Command, args []string) {
		entryAddrSet = cmd.Flags().Changed("entry-addr")
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
