//go:build unix

package hv

import "golang.org/x/sys/unix"

func allocateMemory(size int) ([]byte, error) {
	return unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
}

func freeMemory(mem []byte) error {
	return unix.Munmap(mem)
}
