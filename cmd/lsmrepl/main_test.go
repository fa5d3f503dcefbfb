package main

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"

	"lsmkv/lsmtree"
)

func newTestTree(t *testing.T) *lsmtree.LSMTree {
	t.Helper()
	tree := lsmtree.New(lsmtree.Config{
		BufferCapacity: 8,
		Depth:          3,
		Fanout:         2,
		ThreadCount:    2,
		MergeRatio:     1.0,
		Dir:            t.TempDir(),
	}, zap.NewNop())
	t.Cleanup(tree.Close)
	return tree
}

func runLines(t *testing.T, tree *lsmtree.LSMTree, script string) string {
	t.Helper()
	var out bytes.Buffer
	if err := runREPL(tree, strings.NewReader(script), &out, zap.NewNop()); err != nil {
		t.Fatalf("runREPL: %v", err)
	}
	return out.String()
}

func TestREPLPutGet(t *testing.T) {
	tree := newTestTree(t)
	out := runLines(t, tree, "p 1 100\ng 1\ng 2\n")
	want := "100\n\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestREPLDel(t *testing.T) {
	tree := newTestTree(t)
	out := runLines(t, tree, "p 1 100\nd 1\ng 1\n")
	want := "\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestREPLRange(t *testing.T) {
	tree := newTestTree(t)
	out := runLines(t, tree, "p 1 10\np 2 20\np 3 30\nr 1 3\n")
	want := "1:10 2:20\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestREPLRangeEmpty(t *testing.T) {
	tree := newTestTree(t)
	out := runLines(t, tree, "r 1 1\n")
	want := "\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestREPLBlankAndUnrecognizedLinesIgnored(t *testing.T) {
	tree := newTestTree(t)
	out := runLines(t, tree, "\np 1 5\n   \nbogus\ng 1\n")
	want := "5\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestREPLMalformedCommandIgnored(t *testing.T) {
	tree := newTestTree(t)
	out := runLines(t, tree, "p 1\ng 1\n")
	want := "\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}
