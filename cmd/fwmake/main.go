// Command fwmake assembles a scrambled flash image from a header.bin,
// app.bin, and optional res.bin, grounded on
// original_source/fwmake1.py.
package main

import (
	"fmt"
	"os"

	"github.com/rj45lab/bluetrum-tools/internal/image"
	"github.com/spf13/cobra"
)

var (
	userKey        int64
	codeKeyFlag    int64
	userKeySet     bool
	codeKeySet     bool
	noResScramble  bool
)

func run(cmd *cobra.Command, args []string) error {
	output, headerPath, appPath := args[0], args[1], args[2]
	var resPath string
	if len(args) > 3 {
		resPath = args[3]
	}

	headerBlob, err := os.ReadFile(headerPath)
	if err != nil {
		return err
	}
	appBlob, err := os.ReadFile(appPath)
	if err != nil {
		return err
	}
	var resBlob []byte
	if resPath != "" {
		resBlob, err = os.ReadFile(resPath)
		if err != nil {
			return err
		}
	}

	in := image.BuildImageInput{
		HeaderBlob:  headerBlob,
		AppBlob:     appBlob,
		ResBlob:     resBlob,
		ScrambleRes: !noResScramble,
	}
	if codeKeySet {
		in.CodeKey = uint32(codeKeyFlag)
	} else if userKeySet {
		k := uint32(userKey)
		in.UserKey = &k
	}

	contents, err := image.BuildImage(in)
	if err != nil {
		return err
	}

	return os.WriteFile(output, contents, 0o644)
}

func main() {
	root := &cobra.Command{
		Use:   "fwmake <output> <header> <app> [res]",
		Short: "Assemble a Bluetrum scrambled flash image",
		Args:  cobra.RangeArgs(3, 4),
		RunE:  run,
	}

	root.Flags().Int64VarP(&userKey, "userkey", "u", 0, "user key to derive the code-scrambling key from")
	root.Flags().Int64VarP(&codeKeyFlag, "codekey", "U", 0, "direct code-scrambling key (takes precedence over --userkey)")
	root.Flags().BoolVar(&noResScramble, "no-res-scramble", false, "do not scramble the resource region data")

	root.PreRun = func(cmd *cobra.Command, args []string) {
		userKeySet = cmd.Flags().Changed("userkey")
		codeKeySet = cmd.Flags().Changed("codekey")
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
