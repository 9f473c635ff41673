package command

import (
	"context"
	"fmt"
)

// Command is a typed payload that knows its registered name. Implement
// CommandName on the value receiver so the zero value can report it.
type Command interface {
	CommandName() string
}

// Handle registers h under P's command name. The wrapped handler rejects
// payloads that are not a P with *PayloadTypeError.
func Handle[P Command, R any](d *Dispatcher, h func(ctx context.Context, cmd P, d *Dispatcher) (R, error), opts ...RegisterOption) {
	var zero P
	name := zero.CommandName()
	d.Register(name, func(ctx context.Context, payload any, d *Dispatcher) (any, error) {
		cmd, ok := payload.(P)
		if !ok {
			return nil, &PayloadTypeError{
				Command: name,
				Want:    fmt.Sprintf("%T", zero),
				Got:     fmt.Sprintf("%T", payload),
			}
		}
		return h(ctx, cmd, d)
	}, opts...)
}

// Run executes cmd and returns its result as R. A nil result yields R's
// zero value.
func Run[R any](ctx context.Context, d *Dispatcher, cmd Command) (R, error) {
	var zero R
	out, err := d.Execute(ctx, cmd.CommandName(), cmd)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, &ResultTypeError{
			Command: cmd.CommandName(),
			Want:    fmt.Sprintf("%T", zero),
			Got:     fmt.Sprintf("%T", out),
		}
	}
	return r, nil
}
