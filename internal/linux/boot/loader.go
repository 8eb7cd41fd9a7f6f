package boot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"fortio.org/safecast"

	"github.com/tinyrange/vmmcore/internal/hv"
)

var (
	ErrImageTooLarge    = errors.New("image too large for region")
	ErrRegionOutOfRange = errors.New("region outside guest memory")
)

// copyChunkSize bounds each guest write so progress can be reported while
// large images are copied.
const copyChunkSize = 1 << 20

// GuestImage is an opaque blob to be placed into guest memory, such as a
// kernel, device tree or initrd.
type GuestImage struct {
	Name string
	Data []byte
}

// Len returns the image length in bytes.
func (i GuestImage) Len() uint64 {
	return uint64(len(i.Data))
}

// ProgressFunc returns a writer that observes the bytes of an image as they
// are copied into guest memory. It may return nil.
type ProgressFunc func(name string, total int64) io.Writer

// Loader copies guest images into guest memory regions.
type Loader struct {
	mem      hv.GuestMemory
	logger   *slog.Logger
	progress ProgressFunc
}

type LoaderOption func(*Loader)

func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithProgress(fn ProgressFunc) LoaderOption {
	return func(l *Loader) { l.progress = fn }
}

// NewLoader returns a Loader writing into mem.
func NewLoader(mem hv.GuestMemory, opts ...LoaderOption) *Loader {
	l := &Loader{mem: mem, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load copies image byte-for-byte to the start of region. Nothing is written
// unless the image fits the region and the region lies inside guest memory.
func (l *Loader) Load(image GuestImage, region hv.MemoryRegion) error {
	if l == nil || l.mem == nil {
		return errors.New("boot: loader requires guest memory")
	}
	if image.Len() > region.Capacity {
		return fmt.Errorf("boot: load %s: %w: %d bytes, region %s holds %d",
			image.Name, ErrImageTooLarge, image.Len(), region, region.Capacity)
	}

	memStart := l.mem.MemoryBase()
	memEnd := memStart + l.mem.MemorySize()
	if region.Address < memStart || region.End() < region.Address || region.End() > memEnd {
		return fmt.Errorf("boot: load %s: %w: %s not in [%#x-%#x)",
			image.Name, ErrRegionOutOfRange, region, memStart, memEnd)
	}

	if image.Len() == 0 {
		l.logger.Debug("skipping empty image", "image", image.Name, "region", region.Name)
		return nil
	}

	if err := l.copyToGuest(image, region.Address); err != nil {
		return fmt.Errorf("boot: load %s: %w", image.Name, err)
	}

	l.logger.Info("image placed",
		"image", image.Name,
		"region", region.Name,
		"gpa", fmt.Sprintf("%#x", region.Address),
		"size", image.Len(),
	)
	return nil
}

func (l *Loader) copyToGuest(image GuestImage, addr uint64) error {
	var observer io.Writer
	if l.progress != nil {
		observer = l.progress(image.Name, int64(len(image.Data)))
	}

	for done := 0; done < len(image.Data); {
		end := min(done+copyChunkSize, len(image.Data))
		chunk := image.Data[done:end]

		off, err := safecast.Conv[int64](addr + uint64(done))
		if err != nil {
			return fmt.Errorf("guest address %#x out of host range: %w", addr+uint64(done), err)
		}
		n, err := l.mem.WriteAt(chunk, off)
		if err != nil {
			return fmt.Errorf("write guest memory at %#x: %w", off, err)
		}
		if n != len(chunk) {
			return fmt.Errorf("short write at %#x: %d of %d bytes", off, n, len(chunk))
		}
		if observer != nil {
			if _, err := observer.Write(chunk); err != nil {
				return fmt.Errorf("report progress: %w", err)
			}
		}
		done = end
	}
	return nil
}
