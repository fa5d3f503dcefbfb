// Command lsmrepl is a line-oriented REPL over an LSMTree: each stdin
// line is one of p/g/r/d/l, executed to completion before the next line
// is read, per the single-writer/readers-quiesced regime the core
// library assumes.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lsmkv/lsmtree"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dir        string
		bufferCap  int
		depth      int
		fanout     int
		threads    int
		mergeRatio float64
	)

	root := &cobra.Command{
		Use:   "lsmrepl",
		Short: "interactive REPL over an LSM-tree key-value store",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatal("failed to create run directory", zap.Error(err))
			}

			tree := lsmtree.New(lsmtree.Config{
				BufferCapacity: bufferCap,
				Depth:          depth,
				Fanout:         fanout,
				ThreadCount:    threads,
				MergeRatio:     mergeRatio,
				Dir:            dir,
			}, log)
			defer tree.Close()

			return runREPL(tree, os.Stdin, os.Stdout, log)
		},
	}

	root.Flags().StringVar(&dir, "dir", "lsmrepl-data", "directory holding run files")
	root.Flags().IntVar(&bufferCap, "buffer", 64, "buffer capacity (B)")
	root.Flags().IntVar(&depth, "depth", 4, "number of on-disk levels (D)")
	root.Flags().IntVar(&fanout, "fanout", 4, "per-level run fanout (F)")
	root.Flags().IntVar(&threads, "threads", 4, "worker pool size for reads (T)")
	root.Flags().Float64Var(&mergeRatio, "merge-ratio", 1.0, "fraction of a level merged per cascade")

	return root
}

// runREPL reads lines from in until EOF, executing each against tree and
// writing output to out. Blank lines are skipped silently; unrecognized
// or malformed lines are logged and skipped rather than treated as fatal.
func runREPL(tree *lsmtree.LSMTree, in io.Reader, out io.Writer, log *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := dispatch(tree, line, out, log); err != nil {
			if errTerminal(err) {
				log.Fatal("unrecoverable tree error", zap.Error(err))
			}
			log.Warn("command failed", zap.String("line", line), zap.Error(err))
		}
	}
	return scanner.Err()
}

func errTerminal(err error) bool {
	return err == lsmtree.ErrTreeFull || strings.Contains(err.Error(), lsmtree.ErrTreeFull.Error())
}

func dispatch(tree *lsmtree.LSMTree, line string, out io.Writer, log *zap.Logger) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "p":
		if len(fields) != 3 {
			log.Warn("malformed put command", zap.String("line", line))
			return nil
		}
		k, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			log.Warn("malformed key", zap.String("line", line))
			return nil
		}
		v, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			log.Warn("malformed value", zap.String("line", line))
			return nil
		}
		return tree.Put(k, v)

	case "g":
		if len(fields) != 2 {
			log.Warn("malformed get command", zap.String("line", line))
			return nil
		}
		k, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			log.Warn("malformed key", zap.String("line", line))
			return nil
		}
		if v, ok := tree.Get(k); ok {
			fmt.Fprintf(out, "%d\n", v)
		} else {
			fmt.Fprintln(out)
		}
		return nil

	case "r":
		if len(fields) != 3 {
			log.Warn("malformed range command", zap.String("line", line))
			return nil
		}
		lo, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			log.Warn("malformed range start", zap.String("line", line))
			return nil
		}
		hi, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			log.Warn("malformed range end", zap.String("line", line))
			return nil
		}
		entries := tree.Range(lo, hi)
		parts := make([]string, len(entries))
		for i, e := range entries {
			parts[i] = fmt.Sprintf("%d:%d", e.Key, e.Value)
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
		return nil

	case "d":
		if len(fields) != 2 {
			log.Warn("malformed del command", zap.String("line", line))
			return nil
		}
		k, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			log.Warn("malformed key", zap.String("line", line))
			return nil
		}
		return tree.Del(k)

	case "l":
		if len(fields) != 2 {
			log.Warn("malformed load command", zap.String("line", line))
			return nil
		}
		path := strings.Trim(fields[1], `"`)
		f, err := os.Open(path)
		if err != nil {
			log.Fatal("cannot open load file", zap.String("path", path), zap.Error(err))
		}
		f.Close()
		return tree.Load(path)

	default:
		log.Warn("unrecognized command", zap.String("line", line))
		return nil
	}
}
