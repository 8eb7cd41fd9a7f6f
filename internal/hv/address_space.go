package hv

import (
	"fmt"
	"sort"
)

// Well-known region names used by the boot sequence.
const (
	RegionRAM    = "ram"
	RegionDTB    = "dtb"
	RegionInitrd = "initrd"
)

// Fixed guest-physical addresses of the default layout.
const (
	DefaultRAMBase       uint64 = 0x40000000
	DefaultRAMSize       uint64 = 0x10000000
	DefaultDTBAddress    uint64 = 0x4F000000
	DefaultInitrdAddress uint64 = 0x4D700000

	defaultDTBCapacity = 0x200000
)

// MaxRegions bounds the number of regions a Layout can hold.
const MaxRegions = 8

// MemoryRegion is a named, fixed span of guest-physical memory.
type MemoryRegion struct {
	Name     string
	Address  uint64
	Capacity uint64
}

// End returns the first address after the region.
func (r MemoryRegion) End() uint64 {
	return r.Address + r.Capacity
}

// Contains reports whether [addr, addr+n) lies within the region.
func (r MemoryRegion) Contains(addr, n uint64) bool {
	if addr < r.Address || addr+n < addr {
		return false
	}
	return addr+n <= r.End()
}

// Overlaps reports whether the two regions share any address.
func (r MemoryRegion) Overlaps(other MemoryRegion) bool {
	return regionsOverlap(r.Address, r.Capacity, other.Address, other.Capacity)
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("%s [%#x-%#x)", r.Name, r.Address, r.End())
}

// Layout is the immutable table of guest memory regions. A Layout only
// exists once every region has been checked against guest RAM and against
// every other region.
type Layout struct {
	bounds  Bounds
	regions [MaxRegions]MemoryRegion
	count   int
}

// NewLayout validates regions against the guest RAM described by mem and
// returns the resulting layout.
func NewLayout(mem MemoryBounds, regions ...MemoryRegion) (*Layout, error) {
	if mem == nil || mem.MemorySize() == 0 {
		return nil, fmt.Errorf("layout: %w: guest RAM is empty", ErrInvalidLayout)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("layout: %w: no regions", ErrInvalidLayout)
	}
	if len(regions) > MaxRegions {
		return nil, fmt.Errorf("layout: %w: %d regions exceeds limit of %d", ErrInvalidLayout, len(regions), MaxRegions)
	}

	memStart := mem.MemoryBase()
	memEnd := memStart + mem.MemorySize()
	if memEnd < memStart {
		return nil, fmt.Errorf("layout: %w: guest RAM at %#x with size %#x overflows", ErrInvalidLayout, memStart, mem.MemorySize())
	}

	l := &Layout{bounds: Bounds{Base: memStart, Size: mem.MemorySize()}}
	for _, region := range regions {
		if region.Name == "" {
			return nil, fmt.Errorf("layout: %w: region at %#x has no name", ErrInvalidLayout, region.Address)
		}
		if region.Capacity == 0 {
			return nil, fmt.Errorf("layout: %w: region %q has zero capacity", ErrInvalidLayout, region.Name)
		}
		if region.Address%PageSize != 0 {
			return nil, fmt.Errorf("layout: %w: region %q address %#x not aligned to %#x", ErrInvalidAddress, region.Name, region.Address, PageSize)
		}
		if region.End() < region.Address {
			return nil, fmt.Errorf("layout: %w: region %q at %#x with capacity %#x overflows", ErrInvalidLayout, region.Name, region.Address, region.Capacity)
		}
		if region.Address < memStart || region.End() > memEnd {
			return nil, fmt.Errorf("layout: %w: region %s outside guest RAM [%#x-%#x)", ErrInvalidLayout, region, memStart, memEnd)
		}
		for _, existing := range l.regions[:l.count] {
			if existing.Name == region.Name {
				return nil, fmt.Errorf("layout: %w: region %q defined twice", ErrInvalidLayout, region.Name)
			}
			if existing.Overlaps(region) {
				return nil, fmt.Errorf("layout: %w: %s and %s", ErrRegionOverlap, region, existing)
			}
		}
		l.regions[l.count] = region
		l.count++
	}

	return l, nil
}

// DefaultLayout returns the fixed boot layout: kernel RAM at 0x40000000,
// initrd at 0x4D700000 and the device tree at 0x4F000000.
func DefaultLayout(mem MemoryBounds) (*Layout, error) {
	return NewLayout(mem, DefaultRegions()...)
}

// DefaultRegions returns the regions used by DefaultLayout.
func DefaultRegions() []MemoryRegion {
	return []MemoryRegion{
		{Name: RegionRAM, Address: DefaultRAMBase, Capacity: DefaultInitrdAddress - DefaultRAMBase},
		{Name: RegionInitrd, Address: DefaultInitrdAddress, Capacity: DefaultDTBAddress - DefaultInitrdAddress},
		{Name: RegionDTB, Address: DefaultDTBAddress, Capacity: defaultDTBCapacity},
	}
}

// RegionFor returns the region registered under name.
func (l *Layout) RegionFor(name string) (MemoryRegion, bool) {
	if l == nil {
		return MemoryRegion{}, false
	}
	for _, region := range l.regions[:l.count] {
		if region.Name == name {
			return region, true
		}
	}
	return MemoryRegion{}, false
}

// MustRegion is like RegionFor but panics when the region is missing.
func (l *Layout) MustRegion(name string) MemoryRegion {
	region, ok := l.RegionFor(name)
	if !ok {
		panic(fmt.Sprintf("layout: region %q not configured", name))
	}
	return region
}

// Regions returns a copy of all regions ordered by address.
func (l *Layout) Regions() []MemoryRegion {
	if l == nil {
		return nil
	}
	result := make([]MemoryRegion, l.count)
	copy(result, l.regions[:l.count])
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}

// Bounds returns the guest RAM span the layout was validated against.
func (l *Layout) Bounds() Bounds {
	return l.bounds
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
