package chipset

import (
	"errors"
	"fmt"
)

// MaxChannels is the number of notification channels the host runtime
// provides to a component.
const MaxChannels = 63

var (
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrDuplicateChannel = errors.New("channel already routed")
)

// ChannelRoute is the virtual interrupt raised for a notification channel.
// Passthrough routes forward a physical device IRQ; the host IRQ must be
// re-armed once the guest acknowledges the virtual one.
type ChannelRoute struct {
	IRQ         uint32
	VCPU        VCPUID
	Passthrough bool
}

// ChannelEntry pairs a channel with its route.
type ChannelEntry struct {
	Channel uint32
	Route   ChannelRoute
}

// ChannelMapBuilder collects routes before producing an immutable ChannelMap.
type ChannelMapBuilder struct {
	routes [MaxChannels]ChannelRoute
	set    [MaxChannels]bool
}

// NewChannelMapBuilder returns an empty builder.
func NewChannelMapBuilder() *ChannelMapBuilder {
	return &ChannelMapBuilder{}
}

// Route registers the virtual interrupt for channel ch.
func (b *ChannelMapBuilder) Route(ch uint32, route ChannelRoute) error {
	if b == nil {
		return fmt.Errorf("channel map builder is nil")
	}
	if ch >= MaxChannels {
		return fmt.Errorf("channel %d: %w (max %d)", ch, ErrInvalidChannel, MaxChannels-1)
	}
	if route.IRQ >= MaxIRQs {
		return fmt.Errorf("channel %d: %w: %d", ch, ErrInvalidIRQ, route.IRQ)
	}
	if int(route.VCPU) >= MaxVCPUs {
		return fmt.Errorf("channel %d: %w %d", ch, ErrInvalidVCPU, route.VCPU)
	}
	if b.set[ch] {
		return fmt.Errorf("channel %d: %w to IRQ %d", ch, ErrDuplicateChannel, b.routes[ch].IRQ)
	}
	b.routes[ch] = route
	b.set[ch] = true
	return nil
}

// Build returns the finished map. The builder may be reused afterwards
// without affecting the returned map.
func (b *ChannelMapBuilder) Build() *ChannelMap {
	return &ChannelMap{routes: b.routes, set: b.set}
}

// ChannelMap is the static channel to virtual IRQ table.
type ChannelMap struct {
	routes [MaxChannels]ChannelRoute
	set    [MaxChannels]bool
}

// IRQFor returns the route for channel ch. A channel without a route is not
// an error; it simply has no guest-visible interrupt.
func (m *ChannelMap) IRQFor(ch uint32) (ChannelRoute, bool) {
	if m == nil || ch >= MaxChannels || !m.set[ch] {
		return ChannelRoute{}, false
	}
	return m.routes[ch], true
}

// Routes lists every routed channel in channel order.
func (m *ChannelMap) Routes() []ChannelEntry {
	if m == nil {
		return nil
	}
	var entries []ChannelEntry
	for ch := range m.routes {
		if m.set[ch] {
			entries = append(entries, ChannelEntry{Channel: uint32(ch), Route: m.routes[ch]})
		}
	}
	return entries
}
