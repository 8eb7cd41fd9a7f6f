// Package vmm wires guest memory, the boot images and the virtual interrupt
// controller together at start-up and routes host notifications into the
// guest afterwards.
package vmm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmmcore/internal/chipset"
	"github.com/tinyrange/vmmcore/internal/host"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/linux/boot"
)

// Config describes everything Init needs to bring the guest up.
type Config struct {
	Layout   *hv.Layout
	Images   boot.Images
	Channels *chipset.ChannelMap

	// Lines lists interrupt lines beyond those implied by Channels. Every
	// routed IRQ gets a line even when it is not listed here.
	Lines []chipset.LineConfig

	NumVCPUs int
	BootVCPU chipset.VCPUID

	Sink     chipset.InterruptSink
	Logger   *slog.Logger
	Progress boot.ProgressFunc

	// AckChannel re-arms the host interrupt behind a passthrough channel.
	AckChannel func(ch uint32)
}

// Init places the boot images and initializes the interrupt controller, in
// that order. Any error aborts start-up; the guest must not run.
func Init(mem hv.GuestMemory, cfg Config) (*Dispatcher, error) {
	if mem == nil {
		return nil, errors.New("vmm: init requires guest memory")
	}
	if cfg.Layout == nil {
		return nil, errors.New("vmm: init requires a memory layout")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	numVCPUs := cfg.NumVCPUs
	if numVCPUs == 0 {
		numVCPUs = 1
	}

	loader := boot.NewLoader(mem, boot.WithLogger(logger), boot.WithProgress(cfg.Progress))
	plan, err := boot.PlaceImages(loader, cfg.Layout, cfg.Images)
	if err != nil {
		return nil, fmt.Errorf("vmm: place images: %w", err)
	}
	logger.Info("boot images placed",
		"entry", fmt.Sprintf("%#x", plan.EntryGPA),
		"dtb", fmt.Sprintf("%#x", plan.DeviceTreeGPA),
		"initrd", fmt.Sprintf("%#x", plan.InitrdGPA),
	)

	lines, err := linesFor(cfg, numVCPUs)
	if err != nil {
		return nil, err
	}

	ctrl := chipset.NewController(chipset.ControllerConfig{
		NumVCPUs: numVCPUs,
		Lines:    lines,
		Sink:     cfg.Sink,
		Logger:   logger,
	})
	if err := ctrl.Init(cfg.BootVCPU); err != nil {
		return nil, fmt.Errorf("vmm: init interrupt controller: %w", err)
	}
	logger.Info("interrupt controller ready", "vcpus", numVCPUs, "boot_vcpu", cfg.BootVCPU, "lines", len(lines))

	return &Dispatcher{
		logger:   logger,
		ctrl:     ctrl,
		channels: cfg.Channels,
		plan:     plan,
	}, nil
}

// linesFor merges the configured lines with one line per routed IRQ and
// attaches the channel ack to passthrough lines.
func linesFor(cfg Config, numVCPUs int) ([]chipset.LineConfig, error) {
	lines := make([]chipset.LineConfig, len(cfg.Lines))
	copy(lines, cfg.Lines)

	index := make(map[uint32]int, len(lines))
	for i, line := range lines {
		index[line.IRQ] = i
	}

	for _, entry := range cfg.Channels.Routes() {
		route := entry.Route
		if int(route.VCPU) >= numVCPUs {
			return nil, fmt.Errorf("vmm: channel %d routes IRQ %d to vCPU %d: %w",
				entry.Channel, route.IRQ, route.VCPU, chipset.ErrInvalidVCPU)
		}

		i, ok := index[route.IRQ]
		if !ok {
			i = len(lines)
			index[route.IRQ] = i
			lines = append(lines, chipset.LineConfig{IRQ: route.IRQ})
		}
		if route.Passthrough && cfg.AckChannel != nil {
			lines[i].Ack = chainAck(lines[i].Ack, entry.Channel, cfg.AckChannel)
		}
	}
	return lines, nil
}

func chainAck(prev chipset.AckFunc, ch uint32, ack func(uint32)) chipset.AckFunc {
	return func(vcpu chipset.VCPUID, irq uint32) {
		if prev != nil {
			prev(vcpu, irq)
		}
		ack(ch)
	}
}

// InitFunc adapts Init to the host runtime. Passthrough channels are acked
// through the runtime, once now so the first host interrupt can arrive and
// again whenever the guest acknowledges the line.
func InitFunc(mem hv.GuestMemory, cfg Config) host.InitFunc {
	return func(rt *host.Runtime) (host.Handler, error) {
		userAck := cfg.AckChannel
		cfg.AckChannel = func(ch uint32) {
			rt.AckIRQ(host.Channel(ch))
			if userAck != nil {
				userAck(ch)
			}
		}

		d, err := Init(mem, cfg)
		if err != nil {
			return nil, err
		}

		for _, entry := range cfg.Channels.Routes() {
			if entry.Route.Passthrough {
				cfg.AckChannel(entry.Channel)
			}
		}
		return d, nil
	}
}
