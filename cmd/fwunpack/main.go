// Command fwunpack parses one or more Bluetrum flash images, writing
// each one's boot code, header, app, and resource contents to a sibling
// "<file>_unpack" directory, grounded on original_source/fwunpack.py.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rj45lab/bluetrum-tools/internal/bluemagic"
	"github.com/rj45lab/bluetrum-tools/internal/image"
	"github.com/spf13/cobra"
)

var userKey *uint32

func unpackOne(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	res, err := image.UnpackImage(data, userKey)
	if err != nil {
		return err
	}

	if !res.HeaderCRCOK {
		fmt.Println("header CRC mismatch")
	}
	if !res.BootCRCOK {
		fmt.Println("boot code CRC mismatch")
	}
	if !res.RegionTableOK {
		fmt.Println("region table CRC error")
	}

	outdir := path + "_unpack"
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(outdir, "boot-code.bin"), res.BootCode, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outdir, "header.bin"), res.HeaderBinFile, 0o644); err != nil {
		return err
	}

	for _, r := range res.Regions {
		if !r.DataCRCOK {
			fmt.Printf("region data CRC mismatch (%s)\n", r.Type)
			if r.Type == "XCOD" {
				fmt.Println("** that was the main code area. Perhaps you haven't supplied a correct userkey?")
			}
		}
		for _, b := range r.BlockErrs {
			fmt.Printf("block CRC error (block %d, region %s)\n", b, r.Type)
		}

		switch r.Type {
		case "XCOD":
			if err := os.WriteFile(filepath.Join(outdir, "app.bin"), r.Data, 0o644); err != nil {
				return err
			}
		case "XRES":
			if err := os.WriteFile(filepath.Join(outdir, "res.bin"), r.Data, 0o644); err != nil {
				return err
			}
			if err := unpackResource(r.Data, outdir); err != nil {
				fmt.Println("resource parse failed:", err)
			}
		default:
			name := fmt.Sprintf("region_%s.bin", r.Type)
			fmt.Printf("unrecognized region %q: %s\n", r.Type, bluemagic.Identify(r.Data))
			if err := os.WriteFile(filepath.Join(outdir, name), r.Data, 0o644); err != nil {
				return err
			}
		}
	}

	return os.WriteFile(filepath.Join(outdir, "decrypted.bin"), res.Decrypted, 0o644)
}

func unpackResource(data []byte, outdir string) error {
	entries, err := image.ParseResourceBlob(data, 0x11000000)
	if err != nil {
		return err
	}

	resDir := filepath.Join(outdir, "res")
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("[%-24s] @%08x, %d bytes\n", e.Name, e.Offset, e.Size)
		if e.Size == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(resDir, e.Name), e.Data, 0o644); err != nil {
			return err
		}
	}

	return os.WriteFile(filepath.Join(resDir, "00__order__00.txt"), []byte(image.BuildOrderFile(entries)), 0o644)
}

func run(cmd *cobra.Command, args []string) error {
	var failed bool
	for _, path := range args {
		fmt.Printf("#\n# %s\n#\n", path)
		if err := unpackOne(path); err != nil {
			fmt.Fprintln(os.Stderr, "[!]", err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more images failed to unpack")
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "fwunpack <file>...",
		Short: "Unpack a Bluetrum flash/firmware image",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	var rawUserKey int64
	root.Flags().Int64VarP(&rawUserKey, "userkey", "u", 0, "user key used to decrypt the main application blob")

	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("userkey") {
			k := uint32(rawUserKey)
			userKey = &k
		}
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
