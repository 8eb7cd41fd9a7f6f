//go:build !unix

package hv

func allocateMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeMemory([]byte) error { return nil }
