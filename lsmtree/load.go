package lsmtree

import (
	"os"

	"github.com/pkg/errors"

	"lsmkv/entry"
)

// readLoadFile reads path as a flat sequence of entry.Size-byte records
// with no footer, dropping a short trailing partial record rather than
// failing the whole load.
func readLoadFile(path string) ([]entry.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "readLoadFile: open")
	}

	count := len(data) / entry.Size
	out := make([]entry.Entry, count)
	for i := 0; i < count; i++ {
		out[i] = entry.Decode(data[i*entry.Size : (i+1)*entry.Size])
	}
	return out, nil
}
