//go:build !unix

package executable

import "os"

// Fallback for platforms without mmap support in this package. The buffer is
// ordinary heap memory and is never actually executable; it is sufficient
// for tooling that only inspects or rewrites code bytes.

func pageSize() int {
	return os.Getpagesize()
}

func mapPages(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapPages(buf []byte) error {
	return nil
}

func protectReadWrite(buf []byte) error {
	return nil
}

func protectReadExec(buf []byte) error {
	return nil
}
