package boot

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
)

// InitrdInfo summarises an initrd without altering it.
type InitrdInfo struct {
	Compressed bool
	Entries    int
	FileBytes  int64
}

// InspectInitrd reads the (optionally gzip-compressed) newc cpio archive in
// data and counts its entries. It is informational; the guest receives the
// original bytes regardless of the result.
func InspectInitrd(data []byte) (InitrdInfo, error) {
	var info InitrdInfo
	if len(data) == 0 {
		return info, errors.New("initrd is empty")
	}

	var r io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return info, fmt.Errorf("open gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
		info.Compressed = true
	}

	archive := cpio.NewReader(r)
	for {
		hdr, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return info, fmt.Errorf("read cpio entry %d: %w", info.Entries, err)
		}
		info.Entries++
		if hdr.FileInfo().Mode().IsRegular() {
			info.FileBytes += hdr.Size
		}
	}
	return info, nil
}
