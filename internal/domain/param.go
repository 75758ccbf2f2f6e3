package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

var ErrInvalidParam = errors.New("invalid task parameters")

// Param holds the positional and named arguments of a task. Each value is kept
// as raw JSON so it reads back exactly as it was written.
type Param struct {
	Args   []json.RawMessage `json:"args"`
	Kwargs Kwargs            `json:"kwargs"`
}

// Kwargs holds named arguments in the order they were given. The zero value
// is empty and ready to use.
type Kwargs struct {
	keys   []string
	values map[string]json.RawMessage
}

// Set stores raw under name. A new name goes last; an existing one keeps its
// position.
func (k *Kwargs) Set(name string, raw json.RawMessage) {
	if k.values == nil {
		k.values = make(map[string]json.RawMessage)
	}
	if _, ok := k.values[name]; !ok {
		k.keys = append(k.keys, name)
	}
	k.values[name] = raw
}

func (k Kwargs) Get(name string) (json.RawMessage, bool) {
	raw, ok := k.values[name]
	return raw, ok
}

// Keys returns the names in order.
func (k Kwargs) Keys() []string { return slices.Clone(k.keys) }

func (k Kwargs) Len() int { return len(k.keys) }

func (k Kwargs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range k.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if raw := k.values[name]; len(raw) > 0 {
			buf.Write(raw)
		} else {
			buf.WriteString("null")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping its key order. null reads as
// empty. A repeated key keeps its first position and its last value.
func (k *Kwargs) UnmarshalJSON(b []byte) error {
	*k = Kwargs{}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("kwargs: want object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("kwargs: unexpected key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		k.Set(name, raw)
	}
	_, err = dec.Token()
	return err
}

// NewParam serializes args and kwargs, with kwargs in key order. It fails
// with ErrInvalidParam when a value cannot be represented as JSON.
func NewParam(args []any, kwargs map[string]any) (Param, error) {
	p := Param{Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Param{}, fmt.Errorf("%w: arg %d: %v", ErrInvalidParam, i, err)
		}
		p.Args = append(p.Args, raw)
	}
	names := make([]string, 0, len(kwargs))
	for k := range kwargs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		raw, err := json.Marshal(kwargs[k])
		if err != nil {
			return Param{}, fmt.Errorf("%w: kwarg %q: %v", ErrInvalidParam, k, err)
		}
		p.Kwargs.Set(k, raw)
	}
	return p, nil
}

// MustParam is NewParam for literal arguments known to be serializable.
func MustParam(args ...any) Param {
	p, err := NewParam(args, nil)
	if err != nil {
		panic(err)
	}
	return p
}

// Arg decodes positional argument i into dst.
func (p Param) Arg(i int, dst any) error {
	if i < 0 || i >= len(p.Args) {
		return fmt.Errorf("%w: missing arg %d", ErrInvalidParam, i)
	}
	if err := json.Unmarshal(p.Args[i], dst); err != nil {
		return fmt.Errorf("%w: arg %d: %v", ErrInvalidParam, i, err)
	}
	return nil
}

// Kwarg decodes the named argument into dst and reports whether it was present.
func (p Param) Kwarg(name string, dst any) (bool, error) {
	raw, ok := p.Kwargs.Get(name)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%w: kwarg %q: %v", ErrInvalidParam, name, err)
	}
	return true, nil
}

// Encode returns the stored form of p, always {"args": [...], "kwargs": {...}}
// with kwargs in their given order.
func (p Param) Encode() ([]byte, error) {
	if p.Args == nil {
		p.Args = []json.RawMessage{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return b, nil
}

func DecodeParam(b []byte) (Param, error) {
	var p Param
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Param{}, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return p, nil
}
