// Package command dispatches named operations against the state store.
//
// A command is a handler registered under a name, optionally guarded by a
// validator and followed by side effects:
//
//	d.Register("roll.start", startRoll,
//	    command.WithValidator(command.Struct()),
//	    command.WithEffects(printLabel),
//	)
//	out, err := d.Execute(ctx, "roll.start", StartRoll{Width: 1200})
//
// Execute runs, in order: interceptor Before hooks, the validator, the
// handler, each effect, then interceptor After hooks (or OnError hooks on
// any failure). Every execution is appended to a bounded log with secrets
// redacted, and announced on the bus as command:started followed by
// command:completed or command:failed.
//
// Handlers run without any dispatcher lock held. They may read and write the
// store and call Execute recursively.
//
// The typed layer (Handle, Run) registers and invokes commands by their Go
// payload type:
//
//	command.Handle(d, func(ctx context.Context, c StartRoll, d *command.Dispatcher) (string, error) {...})
//	id, err := command.Run[string](ctx, d, StartRoll{Width: 1200})
package command
