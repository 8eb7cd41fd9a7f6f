package boot_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/linux/boot"
	"github.com/tinyrange/vmmcore/internal/linux/boot/arm64"
	"github.com/tinyrange/vmmcore/internal/linux/boot/boottest"
)

func newDefaultGuest(t *testing.T) (*hv.Memory, *hv.Layout) {
	t.Helper()
	mem, err := hv.NewMemory(hv.DefaultRAMBase, hv.DefaultRAMSize)
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	layout, err := hv.DefaultLayout(mem)
	if err != nil {
		t.Fatalf("DefaultLayout returned error: %v", err)
	}
	return mem, layout
}

func guestBytes(t *testing.T, mem hv.GuestMemory, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		t.Fatalf("ReadAt(%#x) returned error: %v", addr, err)
	}
	return buf
}

func TestPlaceImagesLoadsAllThreeImages(t *testing.T) {
	mem, layout := newDefaultGuest(t)
	images, err := boottest.Images(layout, 4<<20)
	if err != nil {
		t.Fatalf("boottest.Images returned error: %v", err)
	}

	plan, err := boot.PlaceImages(boot.NewLoader(mem), layout, images)
	if err != nil {
		t.Fatalf("PlaceImages returned error: %v", err)
	}

	if plan.EntryGPA != hv.DefaultRAMBase {
		t.Fatalf("EntryGPA = %#x, want %#x", plan.EntryGPA, hv.DefaultRAMBase)
	}
	if plan.DeviceTreeGPA != hv.DefaultDTBAddress {
		t.Fatalf("DeviceTreeGPA = %#x, want %#x", plan.DeviceTreeGPA, hv.DefaultDTBAddress)
	}
	if plan.InitrdGPA != hv.DefaultInitrdAddress || plan.InitrdSize != images.Initrd.Len() {
		t.Fatalf("initrd placement = %#x+%d, want %#x+%d",
			plan.InitrdGPA, plan.InitrdSize, hv.DefaultInitrdAddress, images.Initrd.Len())
	}

	for _, tc := range []struct {
		image boot.GuestImage
		addr  uint64
	}{
		{images.Kernel, plan.EntryGPA},
		{images.DeviceTree, plan.DeviceTreeGPA},
		{images.Initrd, plan.InitrdGPA},
	} {
		if got := guestBytes(t, mem, tc.addr, len(tc.image.Data)); !bytes.Equal(got, tc.image.Data) {
			t.Fatalf("%s not placed byte-for-byte at %#x", tc.image.Name, tc.addr)
		}
	}
}

func TestPlaceImagesHonoursTextOffset(t *testing.T) {
	mem, layout := newDefaultGuest(t)
	images, err := boottest.Images(layout, 1<<20)
	if err != nil {
		t.Fatalf("boottest.Images returned error: %v", err)
	}
	images.Kernel.Data = boottest.Kernel(1<<20, 0x80000)

	plan, err := boot.PlaceImages(boot.NewLoader(mem), layout, images)
	if err != nil {
		t.Fatalf("PlaceImages returned error: %v", err)
	}
	if plan.EntryGPA != hv.DefaultRAMBase+0x80000 {
		t.Fatalf("EntryGPA = %#x, want %#x", plan.EntryGPA, hv.DefaultRAMBase+0x80000)
	}
	if got := guestBytes(t, mem, plan.EntryGPA, 64); !bytes.Equal(got, images.Kernel.Data[:64]) {
		t.Fatalf("kernel header not found at entry point")
	}
}

func TestPlaceImagesRejectsInvalidKernel(t *testing.T) {
	mem, layout := newDefaultGuest(t)
	images, err := boottest.Images(layout, 1<<20)
	if err != nil {
		t.Fatalf("boottest.Images returned error: %v", err)
	}
	images.Kernel.Data = bytes.Repeat([]byte{0xff}, 4096)

	if _, err := boot.PlaceImages(boot.NewLoader(mem), layout, images); err == nil {
		t.Fatalf("PlaceImages accepted a kernel without an Image header")
	}
	dtbRegion := layout.MustRegion(hv.RegionDTB)
	if got := guestBytes(t, mem, dtbRegion.Address, 4); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("device tree placed despite invalid kernel")
	}
}

func TestPlaceImagesRejectsCompressedKernel(t *testing.T) {
	mem, layout := newDefaultGuest(t)
	images, err := boottest.Images(layout, 1<<20)
	if err != nil {
		t.Fatalf("boottest.Images returned error: %v", err)
	}
	images.Kernel.Data = images.Initrd.Data

	_, err = boot.PlaceImages(boot.NewLoader(mem), layout, images)
	if !errors.Is(err, arm64.ErrCompressedKernel) {
		t.Fatalf("PlaceImages error = %v, want ErrCompressedKernel", err)
	}
}

func TestPlaceImagesRejectsInvalidDeviceTree(t *testing.T) {
	mem, layout := newDefaultGuest(t)
	images, err := boottest.Images(layout, 1<<20)
	if err != nil {
		t.Fatalf("boottest.Images returned error: %v", err)
	}
	images.DeviceTree.Data = []byte("not a device tree, just some bytes long enough for a header")

	if _, err := boot.PlaceImages(boot.NewLoader(mem), layout, images); err == nil {
		t.Fatalf("PlaceImages accepted an invalid device tree")
	}
	if got := guestBytes(t, mem, hv.DefaultRAMBase, 64); !bytes.Equal(got, make([]byte, 64)) {
		t.Fatalf("kernel placed despite invalid device tree")
	}
}

func TestPlaceImagesRejectsOversizedInitrd(t *testing.T) {
	mem, err := hv.NewMemory(hv.DefaultRAMBase, hv.DefaultRAMSize)
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer mem.Close()

	layout, err := hv.NewLayout(mem,
		hv.MemoryRegion{Name: hv.RegionRAM, Address: 0x40000000, Capacity: 16 << 20},
		hv.MemoryRegion{Name: hv.RegionDTB, Address: 0x4F000000, Capacity: 64 << 10},
		hv.MemoryRegion{Name: hv.RegionInitrd, Address: 0x4D700000, Capacity: 0x1000},
	)
	if err != nil {
		t.Fatalf("NewLayout returned error: %v", err)
	}
	images, err := boottest.Images(layout, 1<<20)
	if err != nil {
		t.Fatalf("boottest.Images returned error: %v", err)
	}
	images.Initrd.Data = bytes.Repeat([]byte{1}, 0x1001)

	_, err = boot.PlaceImages(boot.NewLoader(mem), layout, images)
	if !errors.Is(err, boot.ErrImageTooLarge) {
		t.Fatalf("PlaceImages error = %v, want ErrImageTooLarge", err)
	}
	if got := guestBytes(t, mem, 0x4D700000, 0x1000); !bytes.Equal(got, make([]byte, 0x1000)) {
		t.Fatalf("initrd region modified after rejected load")
	}
}

func TestPlaceImagesRequiresAllRegions(t *testing.T) {
	mem, err := hv.NewMemory(hv.DefaultRAMBase, hv.DefaultRAMSize)
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer mem.Close()

	layout, err := hv.NewLayout(mem, hv.MemoryRegion{Name: hv.RegionRAM, Address: 0x40000000, Capacity: 16 << 20})
	if err != nil {
		t.Fatalf("NewLayout returned error: %v", err)
	}
	_, err = boot.PlaceImages(boot.NewLoader(mem), layout, boot.Images{})
	if !errors.Is(err, hv.ErrUnknownRegion) {
		t.Fatalf("PlaceImages error = %v, want ErrUnknownRegion", err)
	}
}
