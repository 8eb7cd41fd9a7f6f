// Package config loads the VM description from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmmcore/internal/chipset"
	"github.com/tinyrange/vmmcore/internal/fdt"
	"github.com/tinyrange/vmmcore/internal/hv"
)

const (
	DefaultFilename = "vmm.yaml"

	// DefaultConsoleChannel carries the host console interrupt.
	DefaultConsoleChannel = 0
	// DefaultConsoleIRQ is the guest SPI the console channel raises.
	DefaultConsoleIRQ = 33

	defaultGICDistBase = 0x08000000
	defaultGICCPUBase  = 0x08010000
	defaultSerialBase  = 0x09000000
	defaultSerialSize  = 0x1000
	defaultCmdline     = "console=ttyAMA0 rdinit=/init"
)

// Hex is an unsigned integer written in YAML as a hex string such as
// "0x40000000". Plain decimal integers are accepted too.
type Hex uint64

func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an address, got %s", value.Line, value.ShortTag())
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// Config describes guest memory, the interrupt wiring and the platform
// advertised in the generated device tree.
type Config struct {
	Version int `yaml:"version"`

	Memory  MemoryConfig   `yaml:"memory"`
	Regions []RegionConfig `yaml:"regions,omitempty"`

	VCPUs    int    `yaml:"vcpus,omitempty"`
	BootVCPU uint32 `yaml:"bootVCPU,omitempty"`

	Lines    []LineConfig    `yaml:"lines,omitempty"`
	Channels []ChannelConfig `yaml:"channels,omitempty"`

	Platform PlatformConfig `yaml:"platform"`
}

type MemoryConfig struct {
	Base Hex `yaml:"base"`
	Size Hex `yaml:"size"`
}

type RegionConfig struct {
	Name     string `yaml:"name"`
	Address  Hex    `yaml:"address"`
	Capacity Hex    `yaml:"capacity"`
}

type LineConfig struct {
	IRQ      uint32 `yaml:"irq"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

type ChannelConfig struct {
	Channel     uint32 `yaml:"channel"`
	IRQ         uint32 `yaml:"irq"`
	VCPU        uint32 `yaml:"vcpu,omitempty"`
	Passthrough bool   `yaml:"passthrough,omitempty"`
}

type PlatformConfig struct {
	Cmdline     string       `yaml:"cmdline,omitempty"`
	GICDistBase Hex          `yaml:"gicDistBase,omitempty"`
	GICCPUBase  Hex          `yaml:"gicCPUBase,omitempty"`
	Serial      SerialConfig `yaml:"serial"`
}

type SerialConfig struct {
	Base Hex    `yaml:"base,omitempty"`
	Size Hex    `yaml:"size,omitempty"`
	IRQ  uint32 `yaml:"irq,omitempty"`
}

// Default returns the built-in configuration: the fixed boot layout, one
// vCPU and the console channel routed to IRQ 33 on vCPU 0.
func Default() Config {
	cfg := Config{
		Channels: []ChannelConfig{
			{Channel: DefaultConsoleChannel, IRQ: DefaultConsoleIRQ, VCPU: 0},
		},
	}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Memory.Base == 0 {
		c.Memory.Base = Hex(hv.DefaultRAMBase)
	}
	if c.Memory.Size == 0 {
		c.Memory.Size = Hex(hv.DefaultRAMSize)
	}
	if len(c.Regions) == 0 {
		for _, r := range hv.DefaultRegions() {
			c.Regions = append(c.Regions, RegionConfig{Name: r.Name, Address: Hex(r.Address), Capacity: Hex(r.Capacity)})
		}
	}
	if c.VCPUs == 0 {
		c.VCPUs = 1
	}
	if c.Platform.Cmdline == "" {
		c.Platform.Cmdline = defaultCmdline
	}
	if c.Platform.GICDistBase == 0 {
		c.Platform.GICDistBase = defaultGICDistBase
	}
	if c.Platform.GICCPUBase == 0 {
		c.Platform.GICCPUBase = defaultGICCPUBase
	}
	if c.Platform.Serial.Base == 0 {
		c.Platform.Serial.Base = defaultSerialBase
	}
	if c.Platform.Serial.Size == 0 {
		c.Platform.Serial.Size = defaultSerialSize
	}
	if c.Platform.Serial.IRQ == 0 {
		c.Platform.Serial.IRQ = DefaultConsoleIRQ
	}
}

// Parse decodes a YAML configuration and fills in defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as YAML at path, defaults included.
func Write(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// MemoryBounds returns the guest RAM span.
func (c Config) MemoryBounds() hv.Bounds {
	return hv.Bounds{Base: uint64(c.Memory.Base), Size: uint64(c.Memory.Size)}
}

// Layout validates the configured regions against mem.
func (c Config) Layout(mem hv.MemoryBounds) (*hv.Layout, error) {
	regions := make([]hv.MemoryRegion, len(c.Regions))
	for i, r := range c.Regions {
		regions[i] = hv.MemoryRegion{Name: r.Name, Address: uint64(r.Address), Capacity: uint64(r.Capacity)}
	}
	layout, err := hv.NewLayout(mem, regions...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return layout, nil
}

// ChannelMap builds the channel routing table.
func (c Config) ChannelMap() (*chipset.ChannelMap, error) {
	b := chipset.NewChannelMapBuilder()
	for _, ch := range c.Channels {
		route := chipset.ChannelRoute{IRQ: ch.IRQ, VCPU: chipset.VCPUID(ch.VCPU), Passthrough: ch.Passthrough}
		if err := b.Route(ch.Channel, route); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return b.Build(), nil
}

// LineConfigs returns the explicitly configured interrupt lines.
func (c Config) LineConfigs() []chipset.LineConfig {
	lines := make([]chipset.LineConfig, len(c.Lines))
	for i, l := range c.Lines {
		lines[i] = chipset.LineConfig{IRQ: l.IRQ, Disabled: l.Disabled}
	}
	return lines
}

// DeviceTreeConfig returns the device tree configuration for a guest whose initrd
// occupies initrdSize bytes at the start of the initrd region.
func (c Config) DeviceTreeConfig(initrdSize uint64) (fdt.GuestConfig, error) {
	if c.VCPUs <= 0 {
		return fdt.GuestConfig{}, errors.New("config: at least one vCPU required")
	}
	gc := fdt.GuestConfig{
		MemoryBase:  uint64(c.Memory.Base),
		MemorySize:  uint64(c.Memory.Size),
		NumCPUs:     c.VCPUs,
		Cmdline:     c.Platform.Cmdline,
		GICDistBase: uint64(c.Platform.GICDistBase),
		GICCPUBase:  uint64(c.Platform.GICCPUBase),
		Serial: &fdt.SerialConfig{
			Base: uint64(c.Platform.Serial.Base),
			Size: uint64(c.Platform.Serial.Size),
			IRQ:  c.Platform.Serial.IRQ,
		},
	}
	if initrdSize > 0 {
		for _, r := range c.Regions {
			if r.Name != hv.RegionInitrd {
				continue
			}
			if initrdSize > uint64(r.Capacity) {
				return fdt.GuestConfig{}, fmt.Errorf("config: initrd of %d bytes exceeds region capacity %#x", initrdSize, uint64(r.Capacity))
			}
			gc.InitrdStart = uint64(r.Address)
			gc.InitrdEnd = uint64(r.Address) + initrdSize
		}
	}
	return gc, nil
}
