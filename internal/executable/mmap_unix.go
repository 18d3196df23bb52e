//go:build unix

package executable

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func pageSize() int {
	return unix.Getpagesize()
}

func mapPages(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, size, err)
	}
	return buf, nil
}

func unmapPages(buf []byte) error {
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("munmap code region: %w", err)
	}
	return nil
}

func protectReadWrite(buf []byte) error {
	if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect code region rw: %w", err)
	}
	return nil
}

func protectReadExec(buf []byte) error {
	if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect code region rx: %w", err)
	}
	return nil
}
