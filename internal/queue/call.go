package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the operation a call performs.
type Kind int

const (
	Get Kind = iota
	MultiGet
	Set
	Remove
	Merge
	ScanKeys
	Clear
	Compact
	Sync
	Reopen
)

func (k Kind) String() string {
	switch k {
	case Get:
		return "get"
	case MultiGet:
		return "multi_get"
	case Set:
		return "set"
	case Remove:
		return "remove"
	case Merge:
		return "merge"
	case ScanKeys:
		return "scan_keys"
	case Clear:
		return "clear"
	case Compact:
		return "compact"
	case Sync:
		return "sync"
	case Reopen:
		return "reopen"
	}
	return "unknown"
}

type class int

const (
	classRead class = iota
	classWrite
	classExclusive
)

func (k Kind) class() class {
	switch k {
	case Get, MultiGet, ScanKeys:
		return classRead
	case Set, Remove:
		return classWrite
	}
	return classExclusive
}

// Entry is one key/value pair in engine form.
type Entry struct {
	Key   []byte
	Value []byte
}

// MergeFunc computes the value to store from the current one. found is
// false when the key is absent. An error fails the call without writing.
type MergeFunc func(existing []byte, found bool) ([]byte, error)

// Request is the argument payload of a call.
type Request struct {
	Kind Kind
	// Keys for Get (exactly one), MultiGet, Remove and Merge (exactly one).
	Keys [][]byte
	// Entries for Set.
	Entries []Entry
	// Merge for Merge.
	Merge MergeFunc
	// Decode, when set, converts a successful result on the dispatcher
	// before the call settles. Its value is returned in Result.Decoded and
	// its error fails the call.
	Decode func(Result) (any, error)
}

// Lookup is the outcome of reading one key.
type Lookup struct {
	Value []byte
	Found bool
}

// Result is the payload of a successful call.
type Result struct {
	// Lookups holds one element per requested key for Get and MultiGet.
	Lookups []Lookup
	// Keys holds every key for ScanKeys, in ascending order.
	Keys [][]byte
	// Decoded is the output of Request.Decode.
	Decoded any
}

// Call is one pending operation. Its result is settled exactly once.
type Call struct {
	ID      uuid.UUID
	Kind    Kind
	Created time.Time

	req     Request
	done    chan struct{}
	settled atomic.Bool
	result  Result
	err     error
}

func newCall(req Request, now time.Time) *Call {
	return &Call{
		ID:      uuid.New(),
		Kind:    req.Kind,
		Created: now,
		req:     req,
		done:    make(chan struct{}),
	}
}

// Failed returns a call that has already failed with err. It is used for
// calls rejected before they reach a queue.
func Failed(kind Kind, err error) *Call {
	c := newCall(Request{Kind: kind}, time.Now())
	c.settle(Result{}, err)
	return c
}

// settle records the outcome. A second settlement is a programming error.
func (c *Call) settle(res Result, err error) {
	if !c.settled.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: %s call %s", ErrDoubleInvocation, c.Kind, c.ID))
	}
	c.result, c.err = res, err
	close(c.done)
}

// Done is closed once the call is settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Outcome returns the result. ok is false while the call is pending.
func (c *Call) Outcome() (res Result, err error, ok bool) {
	select {
	case <-c.done:
		return c.result, c.err, true
	default:
		return Result{}, nil, false
	}
}

// Wait blocks until the call settles or ctx ends. Giving up on the wait
// does not stop the operation.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
