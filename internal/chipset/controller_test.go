package chipset

import (
	"errors"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

type irqEvent struct {
	vcpu  VCPUID
	irq   uint32
	level bool
}

// recordingSink captures every level change for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []irqEvent
}

func (s *recordingSink) SetIRQ(vcpu VCPUID, irq uint32, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, irqEvent{vcpu: vcpu, irq: irq, level: level})
}

func (s *recordingSink) snapshot() []irqEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]irqEvent(nil), s.events...)
}

func newTestController(t *testing.T, sink InterruptSink, lines ...LineConfig) *Controller {
	t.Helper()
	c := NewController(ControllerConfig{NumVCPUs: 2, Lines: lines, Sink: sink})
	if err := c.Init(0); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return c
}

func mustState(t *testing.T, c *Controller, irq uint32, vcpu VCPUID) LineState {
	t.Helper()
	state, ok := c.State(irq, vcpu)
	if !ok {
		t.Fatalf("State(%d, %d) unknown line", irq, vcpu)
	}
	return state
}

func TestInitLeavesLinesIdleOrDisabled(t *testing.T) {
	c := newTestController(t, nil, LineConfig{IRQ: 33}, LineConfig{IRQ: 40, Disabled: true}, LineConfig{IRQ: 27})

	for vcpu := VCPUID(0); vcpu < 2; vcpu++ {
		if got := mustState(t, c, 33, vcpu); got != LineIdle {
			t.Fatalf("line 33 vCPU %d = %s, want idle", vcpu, got)
		}
		if got := mustState(t, c, 27, vcpu); got != LineIdle {
			t.Fatalf("line 27 vCPU %d = %s, want idle", vcpu, got)
		}
		if got := mustState(t, c, 40, vcpu); got != LineDisabled {
			t.Fatalf("line 40 vCPU %d = %s, want disabled", vcpu, got)
		}
	}
	if boot, ok := c.BootVCPU(); !ok || boot != 0 {
		t.Fatalf("BootVCPU = %d, %v; want 0, true", boot, ok)
	}
	if _, ok := c.State(34, 0); ok {
		t.Fatalf("State reported unconfigured line 34 as known")
	}
}

func TestInitTwiceFails(t *testing.T) {
	c := newTestController(t, nil, LineConfig{IRQ: 33})
	if err := c.Init(1); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init error = %v, want ErrAlreadyInitialized", err)
	}
	if boot, _ := c.BootVCPU(); boot != 0 {
		t.Fatalf("BootVCPU changed to %d after rejected Init", boot)
	}
}

func TestInitRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ControllerConfig
		boot    VCPUID
		wantErr error
	}{
		{"boot vCPU out of range", ControllerConfig{NumVCPUs: 1}, 1, ErrInvalidVCPU},
		{"too many vCPUs", ControllerConfig{NumVCPUs: MaxVCPUs + 1}, 0, ErrInvalidVCPU},
		{"IRQ out of range", ControllerConfig{Lines: []LineConfig{{IRQ: MaxIRQs}}}, 0, ErrInvalidIRQ},
		{"duplicate IRQ", ControllerConfig{Lines: []LineConfig{{IRQ: 33}, {IRQ: 33}}}, 0, ErrDuplicateIRQ},
		{"too many lines", ControllerConfig{Lines: make([]LineConfig, MaxLines+1)}, 0, ErrTooManyLines},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(tt.cfg)
			if err := c.Init(tt.boot); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Init error = %v, want %v", err, tt.wantErr)
			}
			if _, ok := c.BootVCPU(); ok {
				t.Fatalf("controller initialized after failed Init")
			}
		})
	}
}

func TestInjectMarksLinePendingAndSignalsSink(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, LineConfig{IRQ: 33})

	if err := c.Inject(33, 0); err != nil {
		t.Fatalf("Inject returned error: %v", err)
	}
	if got := mustState(t, c, 33, 0); got != LinePending {
		t.Fatalf("line 33 vCPU 0 = %s, want pending", got)
	}
	if got := mustState(t, c, 33, 1); got != LineIdle {
		t.Fatalf("line 33 vCPU 1 = %s, want idle", got)
	}
	events := sink.snapshot()
	if len(events) != 1 || events[0] != (irqEvent{vcpu: 0, irq: 33, level: true}) {
		t.Fatalf("sink events = %+v, want one raise of IRQ 33 on vCPU 0", events)
	}
	if stats := c.Stats(); stats.Injected != 1 {
		t.Fatalf("Stats().Injected = %d, want 1", stats.Injected)
	}
}

func TestInjectCoalescesWhilePending(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, LineConfig{IRQ: 33})

	for i := 0; i < 3; i++ {
		if err := c.Inject(33, 0); err != nil {
			t.Fatalf("Inject #%d returned error: %v", i, err)
		}
	}
	if got := mustState(t, c, 33, 0); got != LinePending {
		t.Fatalf("line 33 = %s, want pending", got)
	}
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("sink signalled %d times, want 1", n)
	}
	stats := c.Stats()
	if stats.Injected != 1 || stats.Coalesced != 2 {
		t.Fatalf("Stats = %+v, want Injected=1 Coalesced=2", stats)
	}

	if err := c.Acknowledge(33, 0); err != nil {
		t.Fatalf("Acknowledge returned error: %v", err)
	}
	if err := c.Inject(33, 0); err != nil {
		t.Fatalf("Inject after acknowledge returned error: %v", err)
	}
	if stats := c.Stats(); stats.Injected != 2 {
		t.Fatalf("Stats().Injected = %d after re-inject, want 2", stats.Injected)
	}
}

func TestInjectUnknownIRQLeavesStateUnchanged(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, LineConfig{IRQ: 33}, LineConfig{IRQ: 40})

	for _, irq := range []uint32{34, MaxIRQs, MaxIRQs + 7} {
		if err := c.Inject(irq, 0); !errors.Is(err, ErrUnknownIRQ) {
			t.Fatalf("Inject(%d) error = %v, want ErrUnknownIRQ", irq, err)
		}
	}
	for _, irq := range []uint32{33, 40} {
		for vcpu := VCPUID(0); vcpu < 2; vcpu++ {
			if got := mustState(t, c, irq, vcpu); got != LineIdle {
				t.Fatalf("line %d vCPU %d = %s after unknown inject, want idle", irq, vcpu, got)
			}
		}
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("sink signalled %d times for unknown IRQs", n)
	}
}

func TestInjectDisabledLine(t *testing.T) {
	c := newTestController(t, nil, LineConfig{IRQ: 33, Disabled: true})

	if err := c.Inject(33, 0); !errors.Is(err, ErrLineDisabled) {
		t.Fatalf("Inject error = %v, want ErrLineDisabled", err)
	}
	if err := c.SetEnabled(33, true); err != nil {
		t.Fatalf("SetEnabled returned error: %v", err)
	}
	if err := c.Inject(33, 0); err != nil {
		t.Fatalf("Inject after enable returned error: %v", err)
	}
	if err := c.SetEnabled(33, false); err != nil {
		t.Fatalf("SetEnabled returned error: %v", err)
	}
	if got := mustState(t, c, 33, 0); got != LineDisabled {
		t.Fatalf("line 33 = %s after masking, want disabled", got)
	}
	if err := c.Inject(33, 0); !errors.Is(err, ErrLineDisabled) {
		t.Fatalf("Inject on masked line error = %v, want ErrLineDisabled", err)
	}
}

func TestInjectInvalidVCPU(t *testing.T) {
	c := newTestController(t, nil, LineConfig{IRQ: 33})
	if err := c.Inject(33, 2); !errors.Is(err, ErrInvalidVCPU) {
		t.Fatalf("Inject error = %v, want ErrInvalidVCPU", err)
	}
}

func TestInjectBeforeInitPanics(t *testing.T) {
	c := NewController(ControllerConfig{Lines: []LineConfig{{IRQ: 33}}})
	defer func() {
		if recover() == nil {
			t.Fatalf("Inject before Init did not panic")
		}
	}()
	_ = c.Inject(33, 0)
}

func TestAcknowledgeRunsAckFunc(t *testing.T) {
	sink := &recordingSink{}
	var acked []irqEvent
	c := newTestController(t, sink, LineConfig{IRQ: 33, Ack: func(vcpu VCPUID, irq uint32) {
		acked = append(acked, irqEvent{vcpu: vcpu, irq: irq})
	}})

	if err := c.Acknowledge(33, 0); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Acknowledge on idle line error = %v, want ErrNotPending", err)
	}
	if err := c.Inject(33, 1); err != nil {
		t.Fatalf("Inject returned error: %v", err)
	}
	if err := c.Acknowledge(33, 1); err != nil {
		t.Fatalf("Acknowledge returned error: %v", err)
	}
	if got := mustState(t, c, 33, 1); got != LineIdle {
		t.Fatalf("line 33 = %s after acknowledge, want idle", got)
	}
	if len(acked) != 1 || acked[0] != (irqEvent{vcpu: 1, irq: 33}) {
		t.Fatalf("ack callbacks = %+v", acked)
	}
	events := sink.snapshot()
	if len(events) != 2 || events[1].level {
		t.Fatalf("sink events = %+v, want raise then lower", events)
	}
}

func TestAcknowledgeBeforeInit(t *testing.T) {
	c := NewController(ControllerConfig{})
	if err := c.Acknowledge(33, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Acknowledge error = %v, want ErrNotInitialized", err)
	}
	if err := c.SetEnabled(33, true); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("SetEnabled error = %v, want ErrNotInitialized", err)
	}
}

func TestConcurrentInjectSetsPendingOnce(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, LineConfig{IRQ: 33}, LineConfig{IRQ: 34})

	const workers = 16
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		irq := uint32(33 + i%2)
		g.Go(func() error {
			return c.Inject(irq, 0)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Inject returned error: %v", err)
	}

	stats := c.Stats()
	if stats.Injected != 2 || stats.Coalesced != workers-2 {
		t.Fatalf("Stats = %+v, want Injected=2 Coalesced=%d", stats, workers-2)
	}
	if n := len(sink.snapshot()); n != 2 {
		t.Fatalf("sink signalled %d times, want 2", n)
	}
}

func TestLinesReportsConfigurationOrder(t *testing.T) {
	c := newTestController(t, nil, LineConfig{IRQ: 40}, LineConfig{IRQ: 33})
	got := c.Lines()
	if len(got) != 2 || got[0] != 40 || got[1] != 33 {
		t.Fatalf("Lines() = %v, want [40 33]", got)
	}
}

func TestLineStateString(t *testing.T) {
	for state, want := range map[LineState]string{
		LineIdle:     "idle",
		LinePending:  "pending",
		LineDisabled: "disabled",
		LineState(9): "LineState(9)",
	} {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
