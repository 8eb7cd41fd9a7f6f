package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/vmmcore/internal/config"
	"github.com/tinyrange/vmmcore/internal/fdt"
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
	initrdPath := fs.String("initrd", "", "Initial ramdisk advertised in /chosen")
	output := fs.String("o", "guest.dtb", "Output file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generate the device tree blob for a VM configuration.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	var initrdSize uint64
	if *initrdPath != "" {
		info, err := os.Stat(*initrdPath)
		if err != nil {
			return fmt.Errorf("stat initrd: %w", err)
		}
		initrdSize = uint64(info.Size())
	}

	gc, err := cfg.DeviceTreeConfig(initrdSize)
	if err != nil {
		return err
	}
	root, err := fdt.GuestTree(gc)
	if err != nil {
		return fmt.Errorf("build device tree: %w", err)
	}
	blob, err := fdt.Build(root)
	if err != nil {
		return fmt.Errorf("encode device tree: %w", err)
	}
	if _, err := fdt.ParseHeader(blob); err != nil {
		return fmt.Errorf("verify device tree: %w", err)
	}

	if err := os.WriteFile(*output, blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *output, len(blob))
	return nil
}
