package bus

import (
	"context"
	"time"
)

// Channel namespaces event names as "<namespace>:<type>" on an existing bus.
type Channel struct {
	bus *Bus
	ns  string
}

// Channel returns a namespaced view of the bus.
func (b *Bus) Channel(namespace string) Channel {
	return Channel{bus: b, ns: namespace}
}

// Name returns the fully qualified event name for typ.
func (c Channel) Name(typ string) string {
	return c.ns + ":" + typ
}

// Emit emits typ within the namespace.
func (c Channel) Emit(typ string, payload any, opts ...EmitOption) Event {
	return c.bus.Emit(c.Name(typ), payload, opts...)
}

// On registers a handler for typ within the namespace.
func (c Channel) On(typ string, handler Handler, opts ...OnOption) Unsubscribe {
	return c.bus.On(c.Name(typ), handler, opts...)
}

// WaitFor waits for typ within the namespace.
func (c Channel) WaitFor(ctx context.Context, typ string, timeout time.Duration) (Event, error) {
	return c.bus.WaitFor(ctx, c.Name(typ), timeout)
}
