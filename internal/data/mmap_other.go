//go:build !unix

package data

import (
	"io"
	"os"
)

// Without mmap the file is read into memory.
func mmapReadOnly(f *os.File) ([]byte, func() error, error) {
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return b, func() error { return nil }, nil
}
