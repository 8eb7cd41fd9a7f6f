package arm64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// imageHeaderSizeBytes is the size in bytes of the ARM64 Image header as
	// documented in Documentation/arch/arm64/booting.rst.
	imageHeaderSizeBytes = 64

	// The kernel must be placed text_offset bytes from a 2 MiB aligned base.
	imageLoadAlignment = 2 * 1024 * 1024

	arm64ImageMagic = 0x644d5241 // "ARM\x64"
)

var ErrCompressedKernel = errors.New("arm64 kernel image is compressed")

// KernelHeader describes the 64-byte header placed at the beginning of every
// decompressed ARM64 Image.
type KernelHeader struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Res2       uint64
	Res3       uint64
	Res4       uint64
	Magic      uint32
	Res5       uint32
}

// EntryPoint returns the address that the CPU should jump to relative to the
// provided 2 MiB aligned base address.
func (h KernelHeader) EntryPoint(base uint64) (uint64, error) {
	if base&(imageLoadAlignment-1) != 0 {
		return 0, fmt.Errorf("arm64 kernel base must be 2 MiB aligned (got %#x)", base)
	}
	return base + h.TextOffset, nil
}

// ProbeKernelImage parses the header of a raw ARM64 Image. The guest cannot
// decompress its own kernel, so gzip payloads are rejected with
// ErrCompressedKernel.
func ProbeKernelImage(image []byte) (KernelHeader, error) {
	if len(image) >= 2 && image[0] == 0x1f && image[1] == 0x8b {
		return KernelHeader{}, ErrCompressedKernel
	}
	return parseKernelHeader(image)
}

func parseKernelHeader(header []byte) (KernelHeader, error) {
	if len(header) < imageHeaderSizeBytes {
		return KernelHeader{}, fmt.Errorf("arm64 kernel header truncated: got %d bytes", len(header))
	}

	h := KernelHeader{
		Code0:      binary.LittleEndian.Uint32(header[0:4]),
		Code1:      binary.LittleEndian.Uint32(header[4:8]),
		TextOffset: binary.LittleEndian.Uint64(header[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(header[16:24]),
		Flags:      binary.LittleEndian.Uint64(header[24:32]),
		Res2:       binary.LittleEndian.Uint64(header[32:40]),
		Res3:       binary.LittleEndian.Uint64(header[40:48]),
		Res4:       binary.LittleEndian.Uint64(header[48:56]),
		Magic:      binary.LittleEndian.Uint32(header[56:60]),
		Res5:       binary.LittleEndian.Uint32(header[60:64]),
	}
	if h.Magic != arm64ImageMagic {
		return KernelHeader{}, fmt.Errorf("invalid arm64 kernel magic %#x", h.Magic)
	}
	return h, nil
}

// BuildHeader encodes a minimal Image header with the given text offset and
// image size. It is used to fabricate kernels for tests and local bring-up.
func BuildHeader(textOffset, imageSize uint64) []byte {
	header := make([]byte, imageHeaderSizeBytes)
	binary.LittleEndian.PutUint32(header[0:4], 0x91005a4d) // add x13, x18, #0x16
	binary.LittleEndian.PutUint32(header[4:8], 0x14000000) // b .
	binary.LittleEndian.PutUint64(header[8:16], textOffset)
	binary.LittleEndian.PutUint64(header[16:24], imageSize)
	binary.LittleEndian.PutUint32(header[56:60], arm64ImageMagic)
	return header
}
