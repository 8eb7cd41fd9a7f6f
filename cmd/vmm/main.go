package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmmcore/internal/chipset"
	"github.com/tinyrange/vmmcore/internal/config"
	"github.com/tinyrange/vmmcore/internal/fdt"
	"github.com/tinyrange/vmmcore/internal/host"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/linux/boot"
	"github.com/tinyrange/vmmcore/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "VM configuration file (YAML); built-in defaults when empty")
	writeConfig := fs.String("write-config", "", "Write the effective configuration to this file and exit")
	kernelPath := fs.String("kernel", "", "Raw arm64 kernel Image")
	dtbPath := fs.String("dtb", "", "Device tree blob; generated from the configuration when empty")
	initrdPath := fs.String("initrd", "", "Initial ramdisk")
	verbose := fs.Bool("v", false, "Enable debug logging")
	notify := fs.String("notify", "", "Comma-separated channels to notify after start-up")
	readStdin := fs.Bool("stdin", false, "Read channel numbers from stdin, one per line")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -kernel Image [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Place boot images in guest memory and route channel notifications to virtual IRQs.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}

	if *kernelPath == "" {
		fs.Usage()
		return errors.New("-kernel is required")
	}

	notifyChannels, err := parseChannels(*notify)
	if err != nil {
		return err
	}

	mem, err := hv.NewMemory(uint64(cfg.Memory.Base), uint64(cfg.Memory.Size))
	if err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}
	defer mem.Close()

	layout, err := cfg.Layout(mem)
	if err != nil {
		return err
	}
	for _, region := range layout.Regions() {
		logger.Debug("guest region", "region", region.String())
	}

	images, err := readImages(cfg, *kernelPath, *dtbPath, *initrdPath, logger)
	if err != nil {
		return err
	}

	channels, err := cfg.ChannelMap()
	if err != nil {
		return err
	}

	var progress boot.ProgressFunc
	if term.IsTerminal(int(os.Stdout.Fd())) {
		progress = func(name string, total int64) io.Writer {
			return progressbar.DefaultBytes(total, "loading "+name)
		}
	}

	sink := chipset.InterruptSinkFunc(func(vcpu chipset.VCPUID, irq uint32, raised bool) {
		logger.Debug("irq level", "irq", irq, "vcpu", vcpu, "raised", raised)
	})

	var dispatcher *vmm.Dispatcher
	initFn := vmm.InitFunc(mem, vmm.Config{
		Layout:   layout,
		Images:   images,
		Channels: channels,
		Lines:    cfg.LineConfigs(),
		NumVCPUs: cfg.VCPUs,
		BootVCPU: chipset.VCPUID(cfg.BootVCPU),
		Sink:     sink,
		Logger:   logger,
		Progress: progress,
	})

	rt := host.New(host.WithLogger(logger))
	err = rt.Start(func(rt *host.Runtime) (host.Handler, error) {
		h, err := initFn(rt)
		if err != nil {
			return nil, err
		}
		dispatcher = h.(*vmm.Dispatcher)
		return h, nil
	})
	if err != nil {
		return err
	}
	logger.Info("guest ready", "entry", fmt.Sprintf("%#x", dispatcher.Plan().EntryGPA))

	for _, ch := range notifyChannels {
		if err := rt.Notify(ch); err != nil {
			return err
		}
	}

	if *readStdin {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		src := make(chan host.Channel)
		go readChannels(ctx, os.Stdin, src, logger)
		if err := rt.Serve(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	stats := dispatcher.Stats()
	irqStats := dispatcher.Controller().Stats()
	logger.Info("done",
		"delivered", stats.Delivered,
		"unmapped", stats.Unmapped,
		"dropped", stats.Dropped,
		"injected", irqStats.Injected,
		"coalesced", irqStats.Coalesced,
	)
	return nil
}

func readImages(cfg config.Config, kernelPath, dtbPath, initrdPath string, logger *slog.Logger) (boot.Images, error) {
	kernel, err := os.ReadFile(kernelPath)
	if err != nil {
		return boot.Images{}, fmt.Errorf("read kernel: %w", err)
	}

	var initrd []byte
	if initrdPath != "" {
		initrd, err = os.ReadFile(initrdPath)
		if err != nil {
			return boot.Images{}, fmt.Errorf("read initrd: %w", err)
		}
		info, err := boot.InspectInitrd(initrd)
		if err != nil {
			logger.Warn("initrd is not a newc archive", "err", err)
		} else {
			logger.Info("initrd", "compressed", info.Compressed, "entries", info.Entries, "file_bytes", info.FileBytes)
		}
	}

	var dtb []byte
	if dtbPath != "" {
		dtb, err = os.ReadFile(dtbPath)
		if err != nil {
			return boot.Images{}, fmt.Errorf("read device tree: %w", err)
		}
	} else {
		gc, err := cfg.DeviceTreeConfig(uint64(len(initrd)))
		if err != nil {
			return boot.Images{}, err
		}
		root, err := fdt.GuestTree(gc)
		if err != nil {
			return boot.Images{}, fmt.Errorf("generate device tree: %w", err)
		}
		dtb, err = fdt.Build(root)
		if err != nil {
			return boot.Images{}, fmt.Errorf("generate device tree: %w", err)
		}
	}

	return boot.Images{
		Kernel:     boot.GuestImage{Name: "kernel", Data: kernel},
		DeviceTree: boot.GuestImage{Name: "dtb", Data: dtb},
		Initrd:     boot.GuestImage{Name: "initrd", Data: initrd},
	}, nil
}

func parseChannels(list string) ([]host.Channel, error) {
	if list == "" {
		return nil, nil
	}
	var channels []host.Channel
	for _, field := range strings.Split(list, ",") {
		ch, err := parseChannel(field)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func parseChannel(s string) (host.Channel, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid channel %q: %w", s, err)
	}
	return host.Channel(v), nil
}

// readChannels feeds channel numbers read from r into src until r is
// exhausted or ctx is done. src is closed on return.
func readChannels(ctx context.Context, r io.Reader, src chan<- host.Channel, logger *slog.Logger) {
	defer close(src)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ch, err := parseChannel(line)
		if err != nil {
			logger.Warn("ignoring input", "err", err)
			continue
		}
		if ch >= host.MaxChannels {
			logger.Warn("ignoring input", "channel", ch, "err", host.ErrInvalidChannel)
			continue
		}
		select {
		case src <- ch:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read stdin", "err", err)
	}
}
