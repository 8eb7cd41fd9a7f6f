package vmm

import (
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vmmcore/internal/chipset"
	"github.com/tinyrange/vmmcore/internal/host"
	"github.com/tinyrange/vmmcore/internal/linux/boot"
)

// Stats counts what the dispatcher did with the notifications it received.
type Stats struct {
	Delivered uint64
	Unmapped  uint64
	Dropped   uint64
}

// Dispatcher turns host channel notifications into virtual interrupts.
type Dispatcher struct {
	logger   *slog.Logger
	ctrl     *chipset.Controller
	channels *chipset.ChannelMap
	plan     *boot.BootPlan

	delivered atomic.Uint64
	unmapped  atomic.Uint64
	dropped   atomic.Uint64
}

var _ host.Handler = (*Dispatcher)(nil)

// Notified injects the IRQ routed to ch. Channels without a route are
// ignored. A failed injection is logged and the interrupt is dropped; the
// caller never sees an error.
func (d *Dispatcher) Notified(ch host.Channel) host.Never {
	route, ok := d.channels.IRQFor(uint32(ch))
	if !ok {
		d.unmapped.Add(1)
		d.logger.Debug("unexpected channel", "channel", ch)
		return nil
	}

	if err := d.ctrl.Inject(route.IRQ, route.VCPU); err != nil {
		d.dropped.Add(1)
		d.logger.Error("IRQ dropped",
			"irq", route.IRQ,
			"vcpu", route.VCPU,
			"channel", ch,
			"err", err,
		)
		return nil
	}
	d.delivered.Add(1)
	return nil
}

func (d *Dispatcher) Controller() *chipset.Controller { return d.ctrl }

// Plan returns where the boot images were placed.
func (d *Dispatcher) Plan() *boot.BootPlan { return d.plan }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Unmapped:  d.unmapped.Load(),
		Dropped:   d.dropped.Load(),
	}
}
