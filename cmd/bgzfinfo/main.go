// bgzfinfo lists the blocks of a BGZF file and verifies its integrity: each
// block's CRC32 and ISIZE are checked during decoding, and the file must end
// with the canonical EOF terminator.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nikolaikopernik/pbgzip/internal/bgzf"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var quiet bool
	flag.BoolVar(&quiet, "q", false, "suppress the block listing, only report errors")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bgzfinfo [-q] <file.gz>\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitError
	}
	path := flag.Arg(0)

	if err := inspect(path, quiet, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	return exitSuccess
}

func inspect(path string, quiet bool, out io.Writer) error {
	f, err := os.Open(path) //nolint:gosec // CLI tool needs to open user-specified files
	if err != nil {
		return fmt.Errorf("cannot open input: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	if !quiet {
		fmt.Fprintf(out, "%8s %12s %10s %10s\n", "block", "offset", "csize", "isize")
	}

	r := bgzf.NewReader(f)
	var blocks, uncompressed, compressed int
	for {
		data, info, err := r.NextBlock()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("block %d: %w", blocks, err)
		}
		if !quiet {
			fmt.Fprintf(out, "%8d %12d %10d %10d\n", info.Index, info.Address, info.CompressedSize, len(data))
		}
		blocks++
		uncompressed += info.UncompressedSize
		compressed += info.CompressedSize
	}

	if err := bgzf.CheckTermination(path); err != nil {
		return err
	}

	if !quiet {
		fmt.Fprintf(out, "%d blocks, %d bytes compressed, %d bytes uncompressed, terminator ok\n",
			blocks, compressed, uncompressed)
	}
	return nil
}
