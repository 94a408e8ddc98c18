// Package object models the stored action-argument graph: primitive
// values, references to other stored objects, and the sequences/mappings
// that can nest them.
package object

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the concrete shape held by a Value.
type Kind int

// The kinds a Value can hold. Anything the broker doesn't recognize as a
// reference, sequence, or mapping collapses to KindPrimitive.
const (
	KindPrimitive Kind = iota
	KindRef
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindRef:
		return "ref"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is the sum type `Primitive | ObjectRef(id) | Sequence(Value*) |
// Mapping(Value,Value)*` called for in the re-architecture notes. Only the
// field matching Kind is meaningful.
type Value struct {
	Kind      Kind
	Primitive any
	Ref       string
	Sequence  []Value
	Mapping   map[string]Value
}

// Prim wraps a primitive leaf value.
func Prim(v any) Value { return Value{Kind: KindPrimitive, Primitive: v} }

// RefTo builds a reference to another stored ActionObject by id.
func RefTo(id string) Value { return Value{Kind: KindRef, Ref: id} }

// Seq builds a sequence value.
func Seq(vs ...Value) Value { return Value{Kind: KindSequence, Sequence: vs} }

// Map builds a mapping value.
func Map(m map[string]Value) Value { return Value{Kind: KindMapping, Mapping: m} }

type wireValue struct {
	Kind     string               `json:"kind"`
	Prim     json.RawMessage      `json:"prim,omitempty"`
	Ref      string               `json:"ref,omitempty"`
	Sequence []wireValue          `json:"sequence,omitempty"`
	Mapping  map[string]wireValue `json:"mapping,omitempty"`
}

// MarshalJSON implements a stable wire encoding so BadgerStore can persist
// Values without reflecting over the `any` field directly.
func (v Value) MarshalJSON() ([]byte, error) {
	w, err := v.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (v Value) toWire() (wireValue, error) {
	w := wireValue{Kind: v.Kind.String()}
	switch v.Kind {
	case KindPrimitive:
		raw, err := json.Marshal(v.Primitive)
		if err != nil {
			return w, err
		}
		w.Prim = raw
	case KindRef:
		w.Ref = v.Ref
	case KindSequence:
		w.Sequence = make([]wireValue, len(v.Sequence))
		for i, e := range v.Sequence {
			wv, err := e.toWire()
			if err != nil {
				return w, err
			}
			w.Sequence[i] = wv
		}
	case KindMapping:
		w.Mapping = make(map[string]wireValue, len(v.Mapping))
		for k, e := range v.Mapping {
			wv, err := e.toWire()
			if err != nil {
				return w, err
			}
			w.Mapping[k] = wv
		}
	default:
		return w, fmt.Errorf("object: unknown value kind %d", v.Kind)
	}
	return w, nil
}

// UnmarshalJSON is the mirror of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := fromWire(w)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func fromWire(w wireValue) (Value, error) {
	switch w.Kind {
	case "primitive":
		var p any
		if len(w.Prim) > 0 {
			if err := json.Unmarshal(w.Prim, &p); err != nil {
				return Value{}, err
			}
		}
		return Prim(p), nil
	case "ref":
		return RefTo(w.Ref), nil
	case "sequence":
		seq := make([]Value, len(w.Sequence))
		for i, e := range w.Sequence {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			seq[i] = v
		}
		return Seq(seq...), nil
	case "mapping":
		m := make(map[string]Value, len(w.Mapping))
		for k, e := range w.Mapping {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("object: unknown wire kind %q", w.Kind)
	}
}

// ActionObject is a stored value with a resolved flag; it may transitively
// contain references to other ActionObjects by id, or collections whose
// elements do.
type ActionObject struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
	Data     Value  `json:"data"`
}
