// pbgzip compresses files into the BGZF format using parallel deflate
// workers, and decompresses BGZF or plain gzip input.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/nikolaikopernik/pbgzip/internal/bgzf"
)

var version = "dev"

var log = logrus.New()

const (
	exitSuccess = 0
	exitError   = 1
)

type config struct {
	decompress   bool
	inputFile    string
	outputFile   string
	toStdout     bool
	level        int
	workers      int
	noTerminator bool
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, done := parseFlags()
	if done {
		return exitSuccess
	}

	input, cleanupInput, err := openInput(cfg.inputFile)
	if err != nil {
		log.Errorf("%v", err)
		return exitError
	}
	defer cleanupInput()

	output, cleanupOutput, err := openOutput(cfg.outputFile, cfg.toStdout)
	if err != nil {
		log.Errorf("%v", err)
		return exitError
	}

	err = execute(cfg, input, output)
	// Flush and close the output before the terminator check reopens it.
	if cerr := cleanupOutput(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Errorf("%v", err)
		return exitError
	}

	if !cfg.decompress && !cfg.noTerminator && cfg.outputFile != "" && cfg.outputFile != "-" {
		if err := bgzf.CheckTermination(cfg.outputFile); err != nil {
			log.Errorf("verifying %s: %v", cfg.outputFile, err)
			return exitError
		}
	}

	return exitSuccess
}

func parseFlags() (config, bool) {
	var cfg config
	var showVersion, showHelp, verbose bool

	flag.BoolVar(&cfg.decompress, "d", false, "decompress mode")
	flag.StringVar(&cfg.inputFile, "i", "", "input file (default: stdin)")
	flag.StringVar(&cfg.outputFile, "o", "", "output file (default: stdout)")
	flag.BoolVar(&cfg.toStdout, "c", false, "write to stdout")
	flag.IntVar(&cfg.level, "l", bgzf.DefaultCompressionLevel, "compression level (0-9)")
	flag.IntVar(&cfg.workers, "w", 0, "compression workers (default: NumCPU)")
	flag.BoolVar(&cfg.noTerminator, "no-eof", false, "do not append the BGZF EOF block")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.BoolVar(&showHelp, "h", false, "show help")

	flag.Usage = usage
	flag.Parse()

	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if showHelp {
		flag.Usage()
		return cfg, true
	}

	if showVersion {
		fmt.Printf("pbgzip version %s\n", version)
		return cfg, true
	}

	args := flag.Args()
	if len(args) > 0 && cfg.inputFile == "" {
		cfg.inputFile = args[0]
	}
	if len(args) > 1 && cfg.outputFile == "" {
		cfg.outputFile = args[1]
	}

	return cfg, false
}

func usage() {
	fmt.Fprintf(os.Stderr, `pbgzip - parallel BGZF (blocked gzip) compression tool

Usage:
  pbgzip [options] [-i input] [-o output.gz]    Compress to BGZF
  pbgzip -d [-i input.gz] [-o output]           Decompress

Options:
`)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  pbgzip -i sample.bam.raw -o sample.bam        Compress a file
  pbgzip -w 8 -l 9 -i data.txt -o data.txt.gz   8 workers, best compression
  pbgzip -d -i data.txt.gz -o data.txt          Decompress a file
  cat data.txt | pbgzip -c > data.txt.gz        Compress from stdin
  pbgzip -d < data.txt.gz > data.txt            Decompress to stdout
`)
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return bufio.NewReaderSize(os.Stdin, 1<<20), func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // CLI tool needs to open user-specified files
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open input: %w", err)
	}
	return bufio.NewReaderSize(f, 1<<20), func() { _ = f.Close() }, nil
}

func openOutput(path string, toStdout bool) (io.Writer, func() error, error) {
	if path == "" || path == "-" || toStdout {
		bw := bufio.NewWriterSize(os.Stdout, 1<<20)
		return bw, bw.Flush, nil
	}
	f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	return bw, func() error {
		if err := bw.Flush(); err != nil {
			_ = f.Close()
			return fmt.Errorf("flushing output: %w", err)
		}
		return f.Close()
	}, nil
}

func execute(cfg config, input io.Reader, output io.Writer) error {
	if cfg.decompress {
		return decompress(input, output)
	}
	return compress(cfg, input, output)
}

func compress(cfg config, input io.Reader, output io.Writer) error {
	w, err := bgzf.NewWriterLevel(output, cfg.level, cfg.workers)
	if err != nil {
		return err
	}
	w.SetTerminator(!cfg.noTerminator)

	start := time.Now()
	n, err := io.Copy(w, input)
	if err != nil {
		// Stop the workers and give up; the copy error is reported, the
		// Close error is discarded.
		_ = w.Close()
		return fmt.Errorf("compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing stream: %w", err)
	}
	log.Debugf("compressed %d bytes in %s (level %d)", n, time.Since(start), cfg.level)
	return nil
}

func decompress(input io.Reader, output io.Writer) error {
	gz, err := gzip.NewReader(input)
	if err != nil {
		return fmt.Errorf("opening gzip input: %w", err)
	}
	defer gz.Close() //nolint:errcheck // reader close during cleanup
	// BGZF is a sequence of gzip members; multistream mode (the default)
	// walks all of them, terminator included.
	n, err := io.Copy(output, gz)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}
	log.Debugf("decompressed %d bytes", n)
	return nil
}
