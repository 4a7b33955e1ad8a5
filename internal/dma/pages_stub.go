//go:build !unix

package dma

// Heap-backed fallback for platforms without mmap.

func mapPages(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapPages(mem []byte) error {
	return nil
}
