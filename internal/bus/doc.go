// Package bus implements the in-process event bus.
//
// Delivery is synchronous: Emit returns after every handler registered for
// the event name has run, in ascending priority order (0 first) with
// registration order breaking ties. Handlers registered under "*" run after
// the named handlers.
//
// Handler failures never reach the emitter. A returned error or a panic is
// logged and re-emitted as an "error" event; failures inside "error"
// handlers are only logged.
//
// Every emission is also recorded in a bounded history independent of
// delivery. History exists for introspection and tests.
package bus
