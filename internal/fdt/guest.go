package fdt

import (
	"errors"
	"fmt"
)

const (
	gicPhandle = 1

	gicInterruptTypeSPI = 0
	gicSPIBase          = 32
	irqTypeLevelHigh    = 4
)

// SerialConfig describes a PL011 console wired to an SPI.
type SerialConfig struct {
	Base uint64
	Size uint64
	IRQ  uint32
}

// GuestConfig describes the platform advertised to the guest kernel.
type GuestConfig struct {
	MemoryBase uint64
	MemorySize uint64
	NumCPUs    int
	Cmdline    string

	InitrdStart uint64
	InitrdEnd   uint64

	GICDistBase uint64
	GICCPUBase  uint64

	Serial *SerialConfig
}

// GuestTree returns the device tree for an arm64 guest with a GICv2
// interrupt controller. Interrupt numbers in cfg are GIC INTIDs.
func GuestTree(cfg GuestConfig) (Node, error) {
	if cfg.MemorySize == 0 {
		return Node{}, errors.New("device tree requires non-zero RAM size")
	}
	if cfg.NumCPUs <= 0 {
		return Node{}, errors.New("device tree requires at least one CPU")
	}

	root := Node{
		Properties: map[string]Property{
			"#address-cells":   {U32: []uint32{2}},
			"#size-cells":      {U32: []uint32{2}},
			"compatible":       {Strings: []string{"linux,dummy-virt"}},
			"interrupt-parent": {U32: []uint32{gicPhandle}},
		},
	}

	cpus := Node{
		Name: "cpus",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{0}},
		},
	}
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		cpus.Children = append(cpus.Children, Node{
			Name: fmt.Sprintf("cpu@%d", cpu),
			Properties: map[string]Property{
				"device_type":   {Strings: []string{"cpu"}},
				"compatible":    {Strings: []string{"arm,armv8"}},
				"reg":           {U32: []uint32{uint32(cpu)}},
				"enable-method": {Strings: []string{"psci"}},
			},
		})
	}
	root.Children = append(root.Children, cpus)

	root.Children = append(root.Children, Node{
		Name: fmt.Sprintf("memory@%x", cfg.MemoryBase),
		Properties: map[string]Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: []uint64{cfg.MemoryBase, cfg.MemorySize}},
		},
	})

	if cfg.GICDistBase != 0 {
		root.Children = append(root.Children, Node{
			Name: fmt.Sprintf("intc@%x", cfg.GICDistBase),
			Properties: map[string]Property{
				"compatible":           {Strings: []string{"arm,gic-400"}},
				"#interrupt-cells":     {U32: []uint32{3}},
				"interrupt-controller": {Flag: true},
				"reg":                  {U64: []uint64{cfg.GICDistBase, 0x1000, cfg.GICCPUBase, 0x2000}},
				"phandle":              {U32: []uint32{gicPhandle}},
			},
		})
	}

	chosen := Node{Name: "chosen", Properties: map[string]Property{}}
	if cfg.Cmdline != "" {
		chosen.Properties["bootargs"] = Property{Strings: []string{cfg.Cmdline}}
	}
	if cfg.InitrdEnd > cfg.InitrdStart {
		chosen.Properties["linux,initrd-start"] = Property{U64: []uint64{cfg.InitrdStart}}
		chosen.Properties["linux,initrd-end"] = Property{U64: []uint64{cfg.InitrdEnd}}
	}

	if s := cfg.Serial; s != nil {
		if s.Size == 0 {
			return Node{}, errors.New("serial config requires non-zero size")
		}
		if s.IRQ < gicSPIBase {
			return Node{}, fmt.Errorf("serial IRQ %d is not a shared peripheral interrupt", s.IRQ)
		}
		name := fmt.Sprintf("pl011@%x", s.Base)
		root.Children = append(root.Children, Node{
			Name: name,
			Properties: map[string]Property{
				"compatible": {Strings: []string{"arm,pl011", "arm,primecell"}},
				"reg":        {U64: []uint64{s.Base, s.Size}},
				"interrupts": {U32: []uint32{gicInterruptTypeSPI, s.IRQ - gicSPIBase, irqTypeLevelHigh}},
				"status":     {Strings: []string{"okay"}},
			},
		})
		chosen.Properties["stdout-path"] = Property{Strings: []string{"/" + name}}
	}

	if len(chosen.Properties) > 0 {
		root.Children = append(root.Children, chosen)
	}

	root.Children = append(root.Children, Node{
		Name: "psci",
		Properties: map[string]Property{
			"compatible": {Strings: []string{"arm,psci-0.2", "arm,psci"}},
			"method":     {Strings: []string{"hvc"}},
		},
	})

	return root, nil
}
