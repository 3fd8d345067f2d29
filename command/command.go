package command

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies one of the closed set of command variants
type Kind int16

const (
	KindClear Kind = iota
	KindRead
	KindWrite
	KindInvalidate
	KindInvalidateL1
)

func (k Kind) String() string {
	switch k {
	case KindClear:
		return "Clear"

	case KindRead:
		return "Read"

	case KindWrite:
		return "Write"

	case KindInvalidate:
		return "Invalidate"

	case KindInvalidateL1:
		return "InvalidateL1"

	default:
		return fmt.Sprintf("UnknownKind(%d)", k)
	}
}

// Flag is a per-call bitset that alters how a command is processed
type Flag uint32

const (
	// SkipLocking bypasses the locking layer entirely
	SkipLocking Flag = 1 << iota

	// ZeroLockTimeout forces a non-blocking, best-effort lock acquisition
	ZeroLockTimeout
)

func (f Flag) Has(flag Flag) bool {
	return f&flag == flag
}

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	if f.Has(SkipLocking) {
		names = append(names, "SKIP_LOCKING")
	}
	if f.Has(ZeroLockTimeout) {
		names = append(names, "ZERO_LOCK_TIMEOUT")
	}
	if rest := f &^ (SkipLocking | ZeroLockTimeout); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}

	return strings.Join(names, "|")
}

// Command is implemented only by the variants in this package
type Command interface {
	Kind() Kind

	Flags() Flag

	command()
}

var (
	_ Command = Clear{}
	_ Command = Read{}
	_ Command = Write{}
	_ Command = Invalidate{}
	_ Command = InvalidateL1{}
)

// Clear removes every entry of the cache
type Clear struct {
	Flag Flag
}

func (Clear) Kind() Kind { return KindClear }

func (c Clear) Flags() Flag { return c.Flag }

func (Clear) command() {}

// Read looks up a single key
type Read struct {
	Key string

	Flag Flag
}

func (Read) Kind() Kind { return KindRead }

func (c Read) Flags() Flag { return c.Flag }

func (Read) command() {}

// WriteOp distinguishes the single key write variants, they all lock the same way
type WriteOp int16

const (
	OpPut WriteOp = iota
	OpReplace
	OpRemove
	OpReadWriteKey
	OpReadWriteKeyValue
	OpWriteOnlyKey
	OpWriteOnlyKeyValue
)

func (op WriteOp) String() string {
	switch op {
	case OpPut:
		return "Put"

	case OpReplace:
		return "Replace"

	case OpRemove:
		return "Remove"

	case OpReadWriteKey:
		return "ReadWriteKey"

	case OpReadWriteKeyValue:
		return "ReadWriteKeyValue"

	case OpWriteOnlyKey:
		return "WriteOnlyKey"

	case OpWriteOnlyKeyValue:
		return "WriteOnlyKeyValue"

	default:
		return fmt.Sprintf("UnknownWriteOp(%d)", op)
	}
}

// Mutator computes the new value of a functional write from the previous one, a nil result removes the entry
type Mutator func(prev []byte, exists bool) []byte

// Write mutates a single key
type Write struct {
	Op WriteOp

	Key string

	Value []byte

	// Function applied by the functional variants
	Fn Mutator

	// Time-to-live of the written entry, non-positive means no expiry
	TTL time.Duration

	Flag Flag
}

func (Write) Kind() Kind { return KindWrite }

func (c Write) Flags() Flag { return c.Flag }

func (Write) command() {}

// Invalidate removes a set of keys atomically
type Invalidate struct {
	keys []string

	Flag Flag
}

func NewInvalidate(keys []string, flag Flag) Invalidate {
	return Invalidate{keys: copyKeys(keys), Flag: flag}
}

func (Invalidate) Kind() Kind { return KindInvalidate }

func (c Invalidate) Flags() Flag { return c.Flag }

func (Invalidate) command() {}

func (c Invalidate) Keys() []string {
	return copyKeys(c.keys)
}

// WithKeys returns a copy of the command carrying the given keys
func (c Invalidate) WithKeys(keys []string) Invalidate {
	c.keys = copyKeys(keys)
	return c
}

// InvalidateL1 removes a set of keys from the near cache tier
type InvalidateL1 struct {
	keys []string

	Flag Flag

	// Address of the node whose write triggered the invalidation
	Origin string
}

func NewInvalidateL1(keys []string, flag Flag, origin string) InvalidateL1 {
	return InvalidateL1{keys: copyKeys(keys), Flag: flag, Origin: origin}
}

func (InvalidateL1) Kind() Kind { return KindInvalidateL1 }

func (c InvalidateL1) Flags() Flag { return c.Flag }

func (InvalidateL1) command() {}

func (c InvalidateL1) Keys() []string {
	return copyKeys(c.keys)
}

// WithKeys returns a copy of the command carrying the given keys
func (c InvalidateL1) WithKeys(keys []string) InvalidateL1 {
	c.keys = copyKeys(keys)
	return c
}

// CausedBy reports whether the invalidation was triggered by a write performed at addr
func (c InvalidateL1) CausedBy(addr string) bool {
	return c.Origin != "" && c.Origin == addr
}

// Keys returns the keys touched by cmd
func Keys(cmd Command) []string {
	switch c := cmd.(type) {
	case Read:
		return []string{c.Key}

	case Write:
		return []string{c.Key}

	case Invalidate:
		return c.Keys()

	case InvalidateL1:
		return c.Keys()

	default:
		return nil
	}
}

func copyKeys(keys []string) []string {
	if keys == nil {
		return nil
	}

	out := make([]string, len(keys))
	copy(out, keys)
	return out
}
