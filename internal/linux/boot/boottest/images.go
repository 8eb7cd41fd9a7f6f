// Package boottest fabricates guest images for tests.
package boottest

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"sort"

	"github.com/cavaliergopher/cpio"

	"github.com/tinyrange/vmmcore/internal/fdt"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/linux/boot"
	"github.com/tinyrange/vmmcore/internal/linux/boot/arm64"
)

// Kernel returns a raw arm64 Image of size bytes with the given text offset.
// The body after the header is a deterministic pattern.
func Kernel(size int, textOffset uint64) []byte {
	header := arm64.BuildHeader(textOffset, uint64(size))
	if size < len(header) {
		size = len(header)
	}
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	copy(img, header)
	return img
}

// DeviceTree returns a DTB describing the guest RAM and initrd of layout.
func DeviceTree(layout *hv.Layout, initrdSize uint64) ([]byte, error) {
	cfg := fdt.GuestConfig{
		MemoryBase:  layout.Bounds().Base,
		MemorySize:  layout.Bounds().Size,
		NumCPUs:     1,
		Cmdline:     "console=ttyAMA0 rdinit=/init",
		GICDistBase: 0x8000000,
		GICCPUBase:  0x8010000,
		Serial:      &fdt.SerialConfig{Base: 0x9000000, Size: 0x1000, IRQ: 33},
	}
	if initrd, ok := layout.RegionFor(hv.RegionInitrd); ok && initrdSize > 0 {
		cfg.InitrdStart = initrd.Address
		cfg.InitrdEnd = initrd.Address + initrdSize
	}
	root, err := fdt.GuestTree(cfg)
	if err != nil {
		return nil, err
	}
	return fdt.Build(root)
}

// Initrd returns a gzip-compressed newc archive holding files.
func Initrd(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := cpio.NewWriter(gz)
	for _, name := range names {
		data := files[name]
		hdr := &cpio.Header{
			Name: name,
			Mode: cpio.TypeReg | 0o755,
			Size: int64(len(data)),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header for %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close cpio: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Images returns a bootable kernel, DTB and initrd for layout.
func Images(layout *hv.Layout, kernelSize int) (boot.Images, error) {
	initrd, err := Initrd(map[string][]byte{
		"init":         []byte("#!/bin/sh\nexec /bin/sh\n"),
		"etc/hostname": []byte("guest\n"),
	})
	if err != nil {
		return boot.Images{}, err
	}
	dtb, err := DeviceTree(layout, uint64(len(initrd)))
	if err != nil {
		return boot.Images{}, err
	}
	return boot.Images{
		Kernel:     boot.GuestImage{Name: "kernel", Data: Kernel(kernelSize, 0)},
		DeviceTree: boot.GuestImage{Name: "dtb", Data: dtb},
		Initrd:     boot.GuestImage{Name: "initrd", Data: initrd},
	}, nil
}
