// Package executor defines the boundary to the chat platform client.
//
// The core never talks to the network itself; every outbound side effect is a
// named action executed through this interface. The concrete client (REST,
// gateway, whatever) lives outside this module.
package executor

import "context"

// Executor performs one named remote action.
//
// Action names are dotted verbs like "message.send", "member.ban",
// "member.unban", "role.remove", "thread.create". Args are positional and
// action-specific; the core treats the result as opaque.
type Executor interface {
	Execute(ctx context.Context, action string, args ...any) (any, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, action string, args ...any) (any, error)

func (f Func) Execute(ctx context.Context, action string, args ...any) (any, error) {
	return f(ctx, action, args...)
}
