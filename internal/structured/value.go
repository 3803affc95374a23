// Package structured implements the JSON-like values accepted by merge.
//
// A Value is a tagged variant. Objects keep member order so a merged value
// serializes with existing keys first and new keys appended.
package structured

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformed is returned for text that is not a single JSON value.
	ErrMalformed = errors.New("malformed structured value")

	// ErrNotMergeable is returned when either side of a merge is not an object.
	ErrNotMergeable = errors.New("values are not mergeable objects")
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 512

// Kind tags the variant held by a Value.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "unknown"
}

// Member is one key of an object.
type Member struct {
	Key   string
	Value *Value
}

// Value is a parsed structured value. Numbers keep their source text.
type Value struct {
	kind    Kind
	boolean bool
	text    string
	items   []*Value
	members []Member
	index   map[string]int // member position by key
}

// NewNull returns the null value.
func NewNull() *Value { return &Value{kind: Null} }

// NewBool wraps b.
func NewBool(b bool) *Value { return &Value{kind: Bool, boolean: b} }

// NewString wraps s.
func NewString(s string) *Value { return &Value{kind: String, text: s} }

// NewNumber wraps a JSON number literal.
func NewNumber(n json.Number) *Value { return &Value{kind: Number, text: string(n)} }

// NewArray wraps items.
func NewArray(items ...*Value) *Value { return &Value{kind: Array, items: items} }

// NewObject returns an object with members in the given order.
func NewObject(members ...Member) *Value {
	v := newObject(len(members))
	for _, m := range members {
		v.Set(m.Key, m.Value)
	}
	return v
}

// Kind reports the variant.
func (v *Value) Kind() Kind { return v.kind }

// Text returns the contents of a string or the literal of a number.
func (v *Value) Text() string { return v.text }

// BoolValue returns the contents of a bool.
func (v *Value) BoolValue() bool { return v.boolean }

// Items returns array elements.
func (v *Value) Items() []*Value { return v.items }

// Members returns object members in order.
func (v *Value) Members() []Member { return v.members }

// Lookup returns the member named key.
func (v *Value) Lookup(key string) (*Value, bool) {
	if i, ok := v.index[key]; ok {
		return v.members[i].Value, true
	}
	return nil, false
}

// Set replaces key in place or appends it.
func (v *Value) Set(key string, val *Value) {
	if i, ok := v.index[key]; ok {
		v.members[i].Value = val
		return
	}
	if v.index == nil {
		v.index = make(map[string]int)
	}
	v.index[key] = len(v.members)
	v.members = append(v.members, Member{Key: key, Value: val})
}

func newObject(capacity int) *Value {
	return &Value{
		kind:    Object,
		members: make([]Member, 0, capacity),
		index:   make(map[string]int, capacity),
	}
}

// Parse decodes exactly one JSON value from text.
func Parse(text string) (*Value, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	v, err := parseNext(dec, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after value", ErrMalformed)
	}
	return v, nil
}

func parseNext(dec *json.Decoder, depth int) (*Value, error) {
	tok, err := dec.Token()
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case nil:
		return NewNull(), nil
	case bool:
		return NewBool(t), nil
	case json.Number:
		return NewNumber(t), nil
	case string:
		return NewString(t), nil
	case json.Delim:
		if depth >= maxDepth {
			return nil, fmt.Errorf("nesting deeper than %d", maxDepth)
		}
		switch t {
		case '{':
			obj := newObject(0)
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", kt)
				}
				val, err := parseNext(dec, depth+1)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := &Value{kind: Array}
			for dec.More() {
				val, err := parseNext(dec, depth+1)
				if err != nil {
					return nil, err
				}
				arr.items = append(arr.items, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// String returns the compact JSON encoding.
func (v *Value) String() string {
	var buf bytes.Buffer
	v.write(&buf)
	return buf.String()
}

// MarshalJSON implements json.Marshaler.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.write(&buf)
	return buf.Bytes(), nil
}

func (v *Value) write(buf *bytes.Buffer) {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		if v.boolean {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(v.text)
	case String:
		writeString(buf, v.text)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.write(buf)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, m.Key)
			buf.WriteByte(':')
			m.Value.write(buf)
		}
		buf.WriteByte('}')
	}
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	// Encode terminates with a newline
	buf.Truncate(buf.Len() - 1)
}
