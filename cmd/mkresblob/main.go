// Command mkresblob builds a resource blob (res.bin) from a directory of
// files or an order file. Directory scanning and order-file parsing are
// resource-directory scanning glue (spec.md §1's non-goals) kept here in
// the CLI, grounded on original_source/mkresblob.py's scan_dir/
// parse_orderfile; internal/image.BuildResourceBlob only turns an
// already-decided ordered file list into the wire format.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rj45lab/bluetrum-tools/internal/image"
	"github.com/spf13/cobra"
)

var (
	align uint32
	base  uint32
)

// orderedFiles preserves insertion order alongside a name->path lookup,
// mirroring the reference tool's reliance on Python dict insertion order.
type orderedFiles struct {
	names []string
	paths map[string]string // empty string means "no file, empty entry"
}

func newOrderedFiles() *orderedFiles {
	return &orderedFiles{paths: map[string]string{}}
}

func (o *orderedFiles) set(name, path string, allowOverride bool) {
	if _, exists := o.paths[name]; !exists {
		o.names = append(o.names, name)
	} else if !allowOverride {
		return
	}
	o.paths[name] = path
}

func scanDir(o *orderedFiles, dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := scanDir(o, full, prefix+e.Name()+"_"); err != nil {
				return err
			}
			continue
		}
		name := prefix + e.Name()
		if existing, ok := o.paths[name]; ok && existing != "" {
			fmt.Printf("file %q already exists!\n", name)
			continue
		}
		o.set(name, full, true)
	}
	return nil
}

func parseOrderFile(o *orderedFiles, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ln := sc.Text()
		if pos := strings.Index(ln, "//"); pos >= 0 {
			ln = ln[:pos]
		}

		var name, spath string
		if pos := strings.Index(ln, "->"); pos >= 0 {
			name = strings.TrimSpace(ln[:pos])
			spath = strings.TrimSpace(ln[pos+2:])
		} else {
			name = strings.TrimSpace(ln)
		}
		if name == "" {
			continue
		}
		o.set(name, spath, true)
	}
	return sc.Err()
}

func run(cmd *cobra.Command, args []string) error {
	inputPath, outputPath := args[0], args[1]

	o := newOrderedFiles()

	info, err := os.Stat(inputPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := scanDir(o, inputPath, ""); err != nil {
			return err
		}
	} else {
		if err := parseOrderFile(o, inputPath); err != nil {
			return err
		}
		for _, name := range o.names {
			if o.paths[name] == "" {
				candidate := filepath.Join(filepath.Dir(inputPath), name)
				if _, err := os.Stat(candidate); err == nil {
					o.paths[name] = candidate
				}
			}
		}
	}

	var files []image.ResourceFile
	for i, name := range o.names {
		var data []byte
		if p := o.paths[name]; p != "" {
			data, err = os.ReadFile(p)
			if err != nil {
				return err
			}
		}
		files = append(files, image.ResourceFile{Name: name, Data: data})
		fmt.Printf("[%d]: %q (%d bytes)\n", i, name, len(data))
	}

	blob := image.BuildResourceBlob(files, base, int(align))
	return os.WriteFile(outputPath, blob, 0o644)
}

func main() {
	root := &cobra.Command{
		Use:   "mkresblob <input> <output>",
		Short: "Make a Bluetrum resource blob file",
		Args:  cobra.ExactArgs(2),
		RunE:  run,
	}

	root.Flags().Uint32Var(&align, "align", 32, "align each file entry to the specified alignment")
	root.Flags().Uint32Var(&base, "base", 0x11000000, "resource area base address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
