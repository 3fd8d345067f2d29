package pipeline

import (
	"sort"

	"github.com/google/uuid"
)

type ContextOption func(*Context)

// WithOwner sets the lock owner token instead of generating one
func WithOwner(owner string) ContextOption {
	return func(c *Context) {
		if owner != "" {
			c.owner = owner
		}
	}
}

// WithTxScope marks the context as belonging to a longer lived transaction
func WithTxScope() ContextOption {
	return func(c *Context) {
		c.inTxScope = true
	}
}

// Context is the per-call record of an invocation, or of a whole transaction for transactional calls.
// It is owned by a single in-flight operation and is not safe for concurrent use.
type Context struct {
	// Lock owner token, fixed for the lifetime of the context
	owner string

	inTxScope bool

	// Keys this context has locked through the lock manager
	lockedKeys map[string]struct{}

	// Return handlers registered by the stage currently being intercepted
	pending []ReturnHandler
}

func NewContext(options ...ContextOption) *Context {
	c := &Context{
		lockedKeys: make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.owner == "" {
		c.owner = uuid.NewString()
	}

	return c
}

func (c *Context) Owner() string {
	return c.owner
}

func (c *Context) InTxScope() bool {
	return c.inTxScope
}

func (c *Context) AddLockedKey(key string) {
	c.lockedKeys[key] = struct{}{}
}

func (c *Context) IsLocked(key string) bool {
	_, ok := c.lockedKeys[key]
	return ok
}

func (c *Context) RemoveLockedKey(key string) {
	delete(c.lockedKeys, key)
}

// LockedKeys returns the recorded keys in sorted order
func (c *Context) LockedKeys() []string {
	keys := make([]string, 0, len(c.lockedKeys))
	for key := range c.lockedKeys {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}

// ClearLockedKeys forgets every recorded key, called once the locks have been released
func (c *Context) ClearLockedKeys() {
	clear(c.lockedKeys)
}

// OnCompletion registers h to run once the downstream stages of the current interceptor settle
func (c *Context) OnCompletion(h ReturnHandler) {
	if h != nil {
		c.pending = append(c.pending, h)
	}
}

// takePending detaches the handlers registered since mark
func (c *Context) takePending(mark int) []ReturnHandler {
	if len(c.pending) <= mark {
		return nil
	}

	handlers := make([]ReturnHandler, len(c.pending)-mark)
	copy(handlers, c.pending[mark:])
	c.pending = c.pending[:mark]
	return handlers
}
