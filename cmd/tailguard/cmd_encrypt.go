package main

// ---------------------------------------------------------------------------
// cmd_encrypt.go: producer side of the store, plus key generation
// ---------------------------------------------------------------------------

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/1sec-project/tailguard/internal/atrest"
	"github.com/1sec-project/tailguard/internal/core"
)

const maxLineBytes = 1 << 20

func cmdEncrypt(args []string) {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	storePath := fs.String("store", "", "Store path override")
	input := fs.String("input", "-", "Read lines from this file instead of stdin")
	fs.Parse(args)

	cfg := mustLoadConfig(envConfig(*configPath))
	if *storePath != "" {
		cfg.Feed.Path = *storePath
	}
	codec, err := codecFromConfig(cfg)
	if err != nil {
		errorf("%v", err)
	}

	var r io.Reader = os.Stdin
	if *input != "-" && *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			errorf("opening input: %v", err)
		}
		defer f.Close()
		r = f
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Feed.Path), 0o755); err != nil {
		errorf("creating store directory: %v", err)
	}
	w, err := atrest.OpenWriter(cfg.Feed.Path, codec)
	if err != nil {
		errorf("%v", err)
	}
	n, err := encryptLines(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		errorf("after %d line(s): %v", n, err)
	}
	if n == 0 {
		warnf("no lines read from %s, store unchanged", inputName(*input))
		return
	}
	fmt.Fprintf(os.Stderr, "%s %d line(s) appended to %s\n", green("✓"), n, cfg.Feed.Path)
}

func inputName(input string) string {
	if input == "-" || input == "" {
		return "stdin"
	}
	return input
}

// encryptLines appends every non-empty line of r to w.
func encryptLines(w *atrest.Writer, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := w.WriteLine(sc.Text()); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading input: %w", err)
	}
	return n, nil
}

func cmdKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "Print only the key")
	fs.Parse(args)

	key, err := atrest.GenerateKey()
	if err != nil {
		errorf("generating key: %v", err)
	}
	fmt.Fprintln(os.Stdout, key)
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s export %s=<key> or set feed.key in the config\n", dim("▸"), core.EnvKey)
	}
}
