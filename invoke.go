package asyncstore

import (
	"fmt"

	"github.com/matteso1/asyncstore/internal/codec"
	"github.com/matteso1/asyncstore/internal/queue"
)

// Method names accepted by Invoke.
const (
	MethodGetItem     = "getItem"
	MethodSetItem     = "setItem"
	MethodRemoveItem  = "removeItem"
	MethodMultiGet    = "multiGet"
	MethodMultiSet    = "multiSet"
	MethodMultiRemove = "multiRemove"
	MethodGetAllKeys  = "getAllKeys"
	MethodClear       = "clear"
	MethodMergeItem   = "mergeItem"
)

// Methods lists every name Invoke accepts.
var Methods = []string{
	MethodGetItem, MethodSetItem, MethodRemoveItem,
	MethodMultiGet, MethodMultiSet, MethodMultiRemove,
	MethodGetAllKeys, MethodClear, MethodMergeItem,
}

// Invoke calls a store operation by name with loosely typed arguments, as
// a binding layer receives them. Keys and values must be Go strings;
// sequences may be []string or []any, and multiSet pairs may be []Pair,
// [][]string or [][]any of two elements. Anything else fails with
// TypeMismatch.
//
// The settled value is nil or a string for getItem, []Pair for multiGet,
// []string for getAllKeys and Ack otherwise.
func (s *Store) Invoke(method string, args ...any) *Future[any] {
	f, err := s.invoke(method, args)
	if err != nil {
		return rejectAs[any](s, kindOf(method), err)
	}
	return f
}

func (s *Store) invoke(method string, args []any) (*Future[any], error) {
	want := map[string]int{
		MethodGetItem: 1, MethodSetItem: 2, MethodRemoveItem: 1,
		MethodMultiGet: 1, MethodMultiSet: 1, MethodMultiRemove: 1,
		MethodGetAllKeys: 0, MethodClear: 0, MethodMergeItem: 2,
	}
	n, ok := want[method]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", codec.ErrTypeMismatch, method)
	}
	if len(args) != n {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", codec.ErrTypeMismatch, method, n, len(args))
	}

	switch method {
	case MethodGetItem:
		key, err := codec.String(args[0])
		if err != nil {
			return nil, err
		}
		return erase(s.GetItem(key), func(v *string) any {
			if v == nil {
				return nil
			}
			return *v
		}), nil
	case MethodSetItem:
		key, err := codec.String(args[0])
		if err != nil {
			return nil, err
		}
		value, err := codec.String(args[1])
		if err != nil {
			return nil, err
		}
		return eraseAck(s.SetItem(key, value)), nil
	case MethodRemoveItem:
		key, err := codec.String(args[0])
		if err != nil {
			return nil, err
		}
		return eraseAck(s.RemoveItem(key)), nil
	case MethodMultiGet:
		keys, err := stringSlice(args[0])
		if err != nil {
			return nil, err
		}
		return erase(s.MultiGet(keys), func(p []Pair) any { return p }), nil
	case MethodMultiSet:
		pairs, err := pairSlice(args[0])
		if err != nil {
			return nil, err
		}
		return eraseAck(s.MultiSet(pairs)), nil
	case MethodMultiRemove:
		keys, err := stringSlice(args[0])
		if err != nil {
			return nil, err
		}
		return eraseAck(s.MultiRemove(keys)), nil
	case MethodGetAllKeys:
		return erase(s.GetAllKeys(), func(k []string) any { return k }), nil
	case MethodClear:
		return eraseAck(s.Clear()), nil
	default: // MethodMergeItem
		key, err := codec.String(args[0])
		if err != nil {
			return nil, err
		}
		partial, err := codec.String(args[1])
		if err != nil {
			return nil, err
		}
		return eraseAck(s.MergeItem(key, partial)), nil
	}
}

func eraseAck(f *Future[Ack]) *Future[any] {
	return erase(f, func(a Ack) any { return a })
}

func kindOf(method string) queue.Kind {
	switch method {
	case MethodGetItem:
		return queue.Get
	case MethodMultiGet:
		return queue.MultiGet
	case MethodSetItem, MethodMultiSet:
		return queue.Set
	case MethodRemoveItem, MethodMultiRemove:
		return queue.Remove
	case MethodGetAllKeys:
		return queue.ScanKeys
	case MethodClear:
		return queue.Clear
	}
	return queue.Merge
}

func stringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, err := codec.String(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: expected a sequence of strings, got %T", codec.ErrTypeMismatch, v)
}

func pairSlice(v any) ([]Pair, error) {
	var raw [][]any
	switch t := v.(type) {
	case []Pair:
		return t, nil
	case [][]string:
		raw = make([][]any, len(t))
		for i, p := range t {
			raw[i] = make([]any, len(p))
			for j, e := range p {
				raw[i][j] = e
			}
		}
	case [][]any:
		raw = t
	case []any:
		raw = make([][]any, len(t))
		for i, p := range t {
			pair, ok := p.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: pair %d is %T", codec.ErrTypeMismatch, i, p)
			}
			raw[i] = pair
		}
	default:
		return nil, fmt.Errorf("%w: expected a sequence of pairs, got %T", codec.ErrTypeMismatch, v)
	}

	out := make([]Pair, len(raw))
	for i, p := range raw {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: pair %d has %d elements", codec.ErrTypeMismatch, i, len(p))
		}
		key, err := codec.String(p[0])
		if err != nil {
			return nil, fmt.Errorf("pair %d key: %w", i, err)
		}
		value, err := codec.String(p[1])
		if err != nil {
			return nil, fmt.Errorf("pair %d value: %w", i, err)
		}
		out[i] = Pair{Key: key, Value: &value}
	}
	return out, nil
}
