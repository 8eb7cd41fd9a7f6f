package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmmcore/internal/fdt"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/linux/boot/arm64"
)

// Images holds the three blobs placed before the boot vCPU starts.
type Images struct {
	Kernel     GuestImage
	DeviceTree GuestImage
	Initrd     GuestImage
}

// BootPlan records where each image ended up and where the boot vCPU enters
// the kernel.
type BootPlan struct {
	EntryGPA      uint64
	DeviceTreeGPA uint64
	InitrdGPA     uint64
	InitrdSize    uint64

	Kernel arm64.KernelHeader
}

// PlaceImages validates the kernel and device tree, then loads kernel, device
// tree and initrd into their layout regions, each exactly once. The kernel is
// placed text_offset bytes into the RAM region as the arm64 boot protocol
// requires. Any error leaves the guest unbootable and must abort start-up.
func PlaceImages(l *Loader, layout *hv.Layout, images Images) (*BootPlan, error) {
	if l == nil {
		return nil, errors.New("boot: place images requires a loader")
	}

	ram, err := regionFor(layout, hv.RegionRAM)
	if err != nil {
		return nil, err
	}
	dtbRegion, err := regionFor(layout, hv.RegionDTB)
	if err != nil {
		return nil, err
	}
	initrdRegion, err := regionFor(layout, hv.RegionInitrd)
	if err != nil {
		return nil, err
	}

	images.Kernel.Name = defaultName(images.Kernel.Name, "kernel")
	images.DeviceTree.Name = defaultName(images.DeviceTree.Name, "dtb")
	images.Initrd.Name = defaultName(images.Initrd.Name, "initrd")

	if images.Kernel.Len() == 0 {
		return nil, errors.New("boot: kernel image is empty")
	}
	header, err := arm64.ProbeKernelImage(images.Kernel.Data)
	if err != nil {
		return nil, fmt.Errorf("boot: probe kernel: %w", err)
	}
	entry, err := header.EntryPoint(ram.Address)
	if err != nil {
		return nil, fmt.Errorf("boot: kernel entry: %w", err)
	}
	if header.TextOffset >= ram.Capacity {
		return nil, fmt.Errorf("boot: load %s: %w: text offset %#x beyond region %s",
			images.Kernel.Name, ErrImageTooLarge, header.TextOffset, ram)
	}
	kernelRegion := hv.MemoryRegion{
		Name:     ram.Name,
		Address:  entry,
		Capacity: ram.Capacity - header.TextOffset,
	}

	if _, err := fdt.ParseHeader(images.DeviceTree.Data); err != nil {
		return nil, fmt.Errorf("boot: validate device tree: %w", err)
	}

	if err := l.Load(images.Kernel, kernelRegion); err != nil {
		return nil, err
	}
	if err := l.Load(images.DeviceTree, dtbRegion); err != nil {
		return nil, err
	}
	if err := l.Load(images.Initrd, initrdRegion); err != nil {
		return nil, err
	}

	plan := &BootPlan{
		EntryGPA:      entry,
		DeviceTreeGPA: dtbRegion.Address,
		InitrdSize:    images.Initrd.Len(),
		Kernel:        header,
	}
	if plan.InitrdSize > 0 {
		plan.InitrdGPA = initrdRegion.Address
	}
	return plan, nil
}

func regionFor(layout *hv.Layout, name string) (hv.MemoryRegion, error) {
	region, ok := layout.RegionFor(name)
	if !ok {
		return hv.MemoryRegion{}, fmt.Errorf("boot: %w %q", hv.ErrUnknownRegion, name)
	}
	return region, nil
}

func defaultName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
