package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrBadMagic = errors.New("fdt: bad magic")

// Header is the fixed-size header at the start of every FDT blob.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemReserve   uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// ParseHeader decodes and sanity checks the header of blob. It does not walk
// the structure block.
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < fdtHeaderSize {
		return Header{}, fmt.Errorf("fdt: blob truncated: %d bytes, header needs %d", len(blob), fdtHeaderSize)
	}

	h := Header{
		Magic:           binary.BigEndian.Uint32(blob[0:4]),
		TotalSize:       binary.BigEndian.Uint32(blob[4:8]),
		OffStruct:       binary.BigEndian.Uint32(blob[8:12]),
		OffStrings:      binary.BigEndian.Uint32(blob[12:16]),
		OffMemReserve:   binary.BigEndian.Uint32(blob[16:20]),
		Version:         binary.BigEndian.Uint32(blob[20:24]),
		LastCompVersion: binary.BigEndian.Uint32(blob[24:28]),
		BootCPUIDPhys:   binary.BigEndian.Uint32(blob[28:32]),
		SizeStrings:     binary.BigEndian.Uint32(blob[32:36]),
		SizeStruct:      binary.BigEndian.Uint32(blob[36:40]),
	}
	if h.Magic != fdtMagic {
		return Header{}, fmt.Errorf("%w %#x", ErrBadMagic, h.Magic)
	}
	if h.LastCompVersion > fdtVersion {
		return Header{}, fmt.Errorf("fdt: unsupported version (last compatible %d)", h.LastCompVersion)
	}
	if uint64(h.TotalSize) > uint64(len(blob)) {
		return Header{}, fmt.Errorf("fdt: totalsize %d exceeds blob length %d", h.TotalSize, len(blob))
	}
	if uint64(h.OffStruct)+uint64(h.SizeStruct) > uint64(h.TotalSize) ||
		uint64(h.OffStrings)+uint64(h.SizeStrings) > uint64(h.TotalSize) {
		return Header{}, fmt.Errorf("fdt: blocks extend past totalsize %d", h.TotalSize)
	}
	return h, nil
}
