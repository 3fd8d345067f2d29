package pipeline

import (
	"context"
	"fmt"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

// Return is the settled outcome of the downstream stages as observed by an interceptor
type Return struct {
	// Command as it should be seen by upstream stages
	Command command.Command

	Value any

	Err error
}

// ReturnHandler runs exactly once after the downstream stages settle, successfully or not.
// It may replace ret.Command but must not fail.
type ReturnHandler func(ctx context.Context, ictx *Context, ret *Return)

// PanicError carries a panic raised by a downstream stage to the return handlers
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipeline stage panicked: %v", e.Value)
}

// Decision tells the chain how to proceed after an interceptor ran
type Decision struct {
	shortCircuit bool

	cmd command.Command

	value any
}

// Continue forwards cmd to the next stage, a nil cmd forwards the intercepted command unchanged
func Continue(cmd command.Command) Decision {
	return Decision{cmd: cmd}
}

// ShortCircuit skips the remaining stages and settles with value
func ShortCircuit(value any) Decision {
	return Decision{shortCircuit: true, value: value}
}

func (d Decision) IsShortCircuit() bool {
	return d.shortCircuit
}

func (d Decision) Command() command.Command {
	return d.cmd
}

func (d Decision) Value() any {
	return d.value
}

// Interceptor inspects a command before the rest of the pipeline processes it
type Interceptor interface {
	Intercept(ctx context.Context, ictx *Context, cmd command.Command) (Decision, error)
}

// InterceptorFunc adapts an ordinary function to an Interceptor
type InterceptorFunc func(ctx context.Context, ictx *Context, cmd command.Command) (Decision, error)

func (f InterceptorFunc) Intercept(ctx context.Context, ictx *Context, cmd command.Command) (Decision, error) {
	return f(ctx, ictx, cmd)
}

// Handler is the terminal stage that actually performs a command
type Handler interface {
	Handle(ctx context.Context, ictx *Context, cmd command.Command) (any, error)
}

// HandlerFunc adapts an ordinary function to a Handler
type HandlerFunc func(ctx context.Context, ictx *Context, cmd command.Command) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, ictx *Context, cmd command.Command) (any, error) {
	return f(ctx, ictx, cmd)
}

type ChainOption func(*Chain)

func WithLogger(logger telemetry.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Chain runs commands through an ordered list of interceptors and a terminal handler
type Chain struct {
	interceptors []Interceptor

	terminal Handler

	logger telemetry.Logger
}

func NewChain(terminal Handler, interceptors []Interceptor, options ...ChainOption) *Chain {
	c := &Chain{
		interceptors: append([]Interceptor(nil), interceptors...),
		terminal:     terminal,
		logger:       telemetry.Log(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Invoke runs cmd through the chain. A panic raised by a stage is re-raised once every
// return handler registered upstream of it has run.
func (c *Chain) Invoke(ctx context.Context, ictx *Context, cmd command.Command) Return {
	return c.invoke(ctx, ictx, cmd, 0)
}

// InvokeAsync runs cmd on its own goroutine, a panic settles the future with a *PanicError
func (c *Chain) InvokeAsync(ctx context.Context, ictx *Context, cmd command.Command) <-chan Return {
	future := make(chan Return, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				future <- Return{Command: cmd, Err: &PanicError{Value: p}}
			}
			close(future)
		}()

		future <- c.Invoke(ctx, ictx, cmd)
	}()

	return future
}

func (c *Chain) invoke(ctx context.Context, ictx *Context, cmd command.Command, idx int) (ret Return) {
	if idx == len(c.interceptors) {
		v, err := c.terminal.Handle(ctx, ictx, cmd)
		return Return{Command: cmd, Value: v, Err: err}
	}

	ret = Return{Command: cmd}
	mark := len(ictx.pending)
	defer func() {
		p := recover()
		if p != nil {
			ret.Err = &PanicError{Value: p}
		}

		handlers := ictx.takePending(mark)
		for i := len(handlers) - 1; i >= 0; i-- {
			c.runHandler(ctx, ictx, handlers[i], &ret)
		}

		if p != nil {
			panic(p)
		}
	}()

	decision, err := c.interceptors[idx].Intercept(ctx, ictx, cmd)
	if err != nil {
		ret.Err = err
		return
	}

	if decision.IsShortCircuit() {
		ret.Value = decision.Value()
		return
	}

	next := decision.Command()
	if next == nil {
		next = cmd
	}

	ret = c.invoke(ctx, ictx, next, idx+1)
	return
}

func (c *Chain) runHandler(ctx context.Context, ictx *Context, h ReturnHandler, ret *Return) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Errorf("Return handler panicked for %T: %v", ret.Command, p)
		}
	}()

	h(ctx, ictx, ret)
}
