package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// MaxVCPUs bounds the number of virtual CPUs a controller tracks.
	MaxVCPUs = 8
	// MaxIRQs is the number of GICv2 interrupt IDs (0-1019).
	MaxIRQs = 1020
	// MaxLines bounds the number of lines a controller can be configured with.
	MaxLines = 64
)

var (
	ErrAlreadyInitialized = errors.New("interrupt controller already initialized")
	ErrNotInitialized     = errors.New("interrupt controller not initialized")
	ErrInvalidVCPU        = errors.New("invalid vCPU")
	ErrInvalidIRQ         = errors.New("invalid IRQ number")
	ErrDuplicateIRQ       = errors.New("IRQ configured twice")
	ErrTooManyLines       = errors.New("too many interrupt lines")
	ErrUnknownIRQ         = errors.New("unknown IRQ")
	ErrLineDisabled       = errors.New("interrupt line disabled")
	ErrNotPending         = errors.New("interrupt line not pending")
)

// VCPUID identifies a virtual CPU.
type VCPUID uint32

// LineState is the guest-visible state of one interrupt line on one vCPU.
type LineState uint8

const (
	LineIdle LineState = iota
	LinePending
	LineDisabled
)

func (s LineState) String() string {
	switch s {
	case LineIdle:
		return "idle"
	case LinePending:
		return "pending"
	case LineDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("LineState(%d)", uint8(s))
	}
}

// InterruptSink receives level changes for a line on a vCPU. It is the
// guest's interrupt-delivery path (for example a hypervisor IRQ line).
type InterruptSink interface {
	SetIRQ(vcpu VCPUID, irq uint32, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(vcpu VCPUID, irq uint32, level bool)

func (f InterruptSinkFunc) SetIRQ(vcpu VCPUID, irq uint32, level bool) {
	if f != nil {
		f(vcpu, irq, level)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(VCPUID, uint32, bool) {}

// AckFunc is called after the guest acknowledges a line.
type AckFunc func(vcpu VCPUID, irq uint32)

// LineConfig describes one interrupt line known to the guest.
type LineConfig struct {
	IRQ      uint32
	Disabled bool
	Ack      AckFunc
}

// ControllerConfig is the static configuration of a Controller.
type ControllerConfig struct {
	NumVCPUs int
	Lines    []LineConfig
	Sink     InterruptSink
	Logger   *slog.Logger
}

// ControllerStats counts injection outcomes.
type ControllerStats struct {
	Injected  uint64
	Coalesced uint64
	Rejected  uint64
}

type line struct {
	irq uint32
	ack AckFunc
}

type lineState struct {
	enabled bool
	pending bool
}

// Controller is a virtual interrupt controller. It owns the state of every
// line; all mutation goes through Init, Inject, Acknowledge and SetEnabled.
// State lives in fixed-size tables filled in by Init.
type Controller struct {
	mu sync.Mutex

	cfg    ControllerConfig
	sink   InterruptSink
	logger *slog.Logger

	initialized bool
	bootVCPU    VCPUID
	numVCPUs    int

	// slots maps an IRQ to its index in lines, plus one. Zero means unknown.
	slots  [MaxIRQs]uint8
	lines  [MaxLines]line
	nlines int
	state  [MaxVCPUs][MaxLines]lineState

	stats ControllerStats
}

// NewController returns an uninitialized controller for cfg.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		cfg:    cfg,
		sink:   cfg.Sink,
		logger: cfg.Logger,
	}
	if c.sink == nil {
		c.sink = noopInterruptSink{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Init establishes every configured line and binds the controller to the
// boot vCPU. It may succeed only once.
func (c *Controller) Init(boot VCPUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return fmt.Errorf("chipset: init vCPU %d: %w (boot vCPU %d)", boot, ErrAlreadyInitialized, c.bootVCPU)
	}

	numVCPUs := c.cfg.NumVCPUs
	if numVCPUs == 0 {
		numVCPUs = 1
	}
	if numVCPUs < 0 || numVCPUs > MaxVCPUs {
		return fmt.Errorf("chipset: init: %w: %d vCPUs (max %d)", ErrInvalidVCPU, numVCPUs, MaxVCPUs)
	}
	if int(boot) >= numVCPUs {
		return fmt.Errorf("chipset: init: %w: boot vCPU %d with %d vCPUs", ErrInvalidVCPU, boot, numVCPUs)
	}
	if len(c.cfg.Lines) > MaxLines {
		return fmt.Errorf("chipset: init: %w: %d (max %d)", ErrTooManyLines, len(c.cfg.Lines), MaxLines)
	}

	var slots [MaxIRQs]uint8
	for i, cfg := range c.cfg.Lines {
		if cfg.IRQ >= MaxIRQs {
			return fmt.Errorf("chipset: init: %w: %d", ErrInvalidIRQ, cfg.IRQ)
		}
		if slots[cfg.IRQ] != 0 {
			return fmt.Errorf("chipset: init: %w: %d", ErrDuplicateIRQ, cfg.IRQ)
		}
		slots[cfg.IRQ] = uint8(i + 1)
	}

	c.slots = slots
	c.nlines = len(c.cfg.Lines)
	for i, cfg := range c.cfg.Lines {
		c.lines[i] = line{irq: cfg.IRQ, ack: cfg.Ack}
		for vcpu := 0; vcpu < numVCPUs; vcpu++ {
			c.state[vcpu][i] = lineState{enabled: !cfg.Disabled}
		}
	}
	c.numVCPUs = numVCPUs
	c.bootVCPU = boot
	c.initialized = true

	c.logger.Info("virtual interrupt controller initialized",
		"boot_vcpu", boot,
		"vcpus", numVCPUs,
		"lines", c.nlines,
	)
	return nil
}

// Inject marks irq pending on vcpu and raises it on the sink. Injecting a
// line that is already pending coalesces with the outstanding interrupt:
// the call succeeds without changing state or signalling again.
//
// Inject panics if the controller has not been initialized.
func (c *Controller) Inject(irq uint32, vcpu VCPUID) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		panic("chipset: inject before interrupt controller init")
	}

	slot, ok := c.slot(irq)
	if !ok {
		c.stats.Rejected++
		c.mu.Unlock()
		return fmt.Errorf("chipset: inject IRQ %d: %w", irq, ErrUnknownIRQ)
	}
	if int(vcpu) >= c.numVCPUs {
		c.stats.Rejected++
		c.mu.Unlock()
		return fmt.Errorf("chipset: inject IRQ %d: %w %d", irq, ErrInvalidVCPU, vcpu)
	}

	st := &c.state[vcpu][slot]
	if !st.enabled {
		c.stats.Rejected++
		c.mu.Unlock()
		return fmt.Errorf("chipset: inject IRQ %d on vCPU %d: %w", irq, vcpu, ErrLineDisabled)
	}
	if st.pending {
		c.stats.Coalesced++
		c.mu.Unlock()
		return nil
	}
	st.pending = true
	c.stats.Injected++
	sink := c.sink
	c.mu.Unlock()

	sink.SetIRQ(vcpu, irq, true)
	return nil
}

// Acknowledge completes a pending interrupt on behalf of the guest: the line
// returns to idle, the sink level is lowered and the line's AckFunc runs.
func (c *Controller) Acknowledge(irq uint32, vcpu VCPUID) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("chipset: acknowledge IRQ %d: %w", irq, ErrNotInitialized)
	}
	slot, ok := c.slot(irq)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("chipset: acknowledge IRQ %d: %w", irq, ErrUnknownIRQ)
	}
	if int(vcpu) >= c.numVCPUs {
		c.mu.Unlock()
		return fmt.Errorf("chipset: acknowledge IRQ %d: %w %d", irq, ErrInvalidVCPU, vcpu)
	}
	st := &c.state[vcpu][slot]
	if !st.pending {
		c.mu.Unlock()
		return fmt.Errorf("chipset: acknowledge IRQ %d on vCPU %d: %w", irq, vcpu, ErrNotPending)
	}
	st.pending = false
	ack := c.lines[slot].ack
	sink := c.sink
	c.mu.Unlock()

	sink.SetIRQ(vcpu, irq, false)
	if ack != nil {
		ack(vcpu, irq)
	}
	return nil
}

// SetEnabled masks or unmasks irq on every vCPU. A masked line rejects
// injection until it is enabled again; a pending interrupt stays pending.
func (c *Controller) SetEnabled(irq uint32, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("chipset: set enabled IRQ %d: %w", irq, ErrNotInitialized)
	}
	slot, ok := c.slot(irq)
	if !ok {
		return fmt.Errorf("chipset: set enabled IRQ %d: %w", irq, ErrUnknownIRQ)
	}
	for vcpu := 0; vcpu < c.numVCPUs; vcpu++ {
		c.state[vcpu][slot].enabled = enabled
	}
	return nil
}

// State reports the state of irq on vcpu. The second result is false for
// lines the controller does not know about.
func (c *Controller) State(irq uint32, vcpu VCPUID) (LineState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || int(vcpu) >= c.numVCPUs {
		return LineIdle, false
	}
	slot, ok := c.slot(irq)
	if !ok {
		return LineIdle, false
	}
	st := c.state[vcpu][slot]
	switch {
	case !st.enabled:
		return LineDisabled, true
	case st.pending:
		return LinePending, true
	default:
		return LineIdle, true
	}
}

// BootVCPU returns the vCPU passed to Init.
func (c *Controller) BootVCPU() (VCPUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootVCPU, c.initialized
}

// Lines returns the configured IRQ numbers in configuration order.
func (c *Controller) Lines() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	irqs := make([]uint32, c.nlines)
	for i := range irqs {
		irqs[i] = c.lines[i].irq
	}
	return irqs
}

func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) slot(irq uint32) (int, bool) {
	if irq >= MaxIRQs {
		return 0, false
	}
	idx := c.slots[irq]
	if idx == 0 {
		return 0, false
	}
	return int(idx) - 1, true
}
