// Package fdt builds and validates Flattened Device Tree blobs handed to the
// guest kernel.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9
)

// Build serializes the provided node tree into an FDT blob with boot CPU 0.
func Build(root Node) ([]byte, error) {
	return BuildForCPU(root, 0)
}

// BuildForCPU serializes root and records bootCPU as boot_cpuid_phys.
func BuildForCPU(root Node, bootCPU uint32) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(root); err != nil {
		return nil, err
	}
	return b.finish(bootCPU), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) error {
	b.writeToken(fdtBeginNodeToken)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.padStruct()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := encodeProperty(name, n.Properties[name])
		if err != nil {
			return err
		}
		b.property(name, data)
	}

	for _, child := range n.Children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}

	b.writeToken(fdtEndNodeToken)
	return nil
}

func encodeProperty(name string, prop Property) ([]byte, error) {
	switch prop.DefinedCount() {
	case 0:
		return nil, fmt.Errorf("fdt property %q has no values", name)
	case 1:
	default:
		return nil, fmt.Errorf("fdt property %q has multiple value kinds", name)
	}

	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, 0, len(prop.U32)*4)
		for _, v := range prop.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
		return data, nil
	case "u64":
		data := make([]byte, 0, len(prop.U64)*8)
		for _, v := range prop.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), prop.Bytes...), nil
	case "flag":
		return nil, nil
	default:
		return nil, fmt.Errorf("fdt property %q has unsupported kind %q", name, prop.Kind())
	}
}

func (b *builder) property(name string, value []byte) {
	b.writeToken(fdtPropToken)
	b.writeToken(uint32(len(value)))
	b.writeToken(b.stringOffset(name))
	b.structBuf.Write(value)
	b.padStruct()
}

func (b *builder) finish(bootCPU uint32) []byte {
	b.writeToken(fdtEndToken)

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	// A single terminating entry.
	memReserve := make([]byte, 16)

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, 0, totalSize)
	for _, v := range []uint32{
		fdtMagic,
		uint32(totalSize),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offMemReserve),
		fdtVersion,
		fdtLastCompVer,
		bootCPU,
		uint32(len(stringsBytes)),
		uint32(len(structBytes)),
	} {
		blob = binary.BigEndian.AppendUint32(blob, v)
	}
	blob = append(blob, memReserve...)
	blob = append(blob, structBytes...)
	blob = append(blob, stringsBytes...)
	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *builder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
