// Package admission implements the pre-dispatch validation that cascades
// through the object store: checking whether an action's argument
// references all resolve, and flattening nested object-in-object payloads
// before a queue item is handed to a worker.
//
// Both predicates are pure and recursive over the object.Value sum type
// (Primitive | ObjectRef(id) | Sequence | Mapping) rather than the
// duck-typed isinstance checks of the system this was re-architected
// from; recursion is bounded to guard against reference cycles.
package admission

import (
	"context"
	"errors"

	"github.com/plantd/jobbroker/internal/object"
)

// maxRecursionDepth bounds the object graph walk. A graph this deep is
// almost certainly cyclic; exceeding it is treated as unresolved so a
// cycle defers the item forever rather than being wrongly admitted.
const maxRecursionDepth = 32

// ErrDoubleNesting is returned when flattening an object would require
// unwrapping more than one level — an ActionObject whose data is itself
// an ActionObject whose data is another ActionObject.
var ErrDoubleNesting = errors.New("admission: double nesting of action objects is not supported")

// Outcome is the admission decision for a QueueItem's ActionPayload.
type Outcome int

const (
	// OutcomeDefer means at least one argument reference is unresolved;
	// the item should stay CREATED and be re-evaluated next tick.
	OutcomeDefer Outcome = iota
	// OutcomeAccept means every reference resolved and any nested
	// payloads were flattened; the item is ready to dispatch.
	OutcomeAccept
	// OutcomeDoubleNestingFailure means a rewrite hit double nesting;
	// the item should transition to ERRORED.
	OutcomeDoubleNestingFailure
)

// ActionPayload mirrors queueitem.ActionPayload without importing that
// package, so admission stays a leaf dependency.
type ActionPayload struct {
	ActionID string
	Args     []string
	Kwargs   map[string]string
}

// OnStoreError is called when a B.get or the B.set of a rewritten object
// fails outside of the unresolved check (i.e. during the rewrite pass).
// Per the error taxonomy, such a failure is logged and the original
// argument is left unchanged — it does not defer or fail the item.
type OnStoreError func(objectID string, err error)

// IsUnresolved decides whether v (typically an ObjectRef) dereferences to
// a fully resolved ActionObject. It follows the contract in the design
// notes: references are fetched and recursed into, unresolved
// ActionObjects are refetched once before giving up, and sequences/
// mappings are walked element-wise.
func IsUnresolved(ctx context.Context, store object.Store, credentials []byte, v object.Value, depth int) bool {
	if depth > maxRecursionDepth {
		return true
	}

	switch v.Kind {
	case object.KindRef:
		obj, err := store.Get(ctx, credentials, v.Ref)
		if err != nil {
			return true
		}
		return isUnresolvedObject(ctx, store, credentials, obj, depth+1)
	case object.KindSequence:
		for _, elem := range v.Sequence {
			if IsUnresolved(ctx, store, credentials, elem, depth+1) {
				return true
			}
		}
		return false
	case object.KindMapping:
		for _, elem := range v.Mapping {
			if IsUnresolved(ctx, store, credentials, elem, depth+1) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isUnresolvedObject(ctx context.Context, store object.Store, credentials []byte, obj object.ActionObject, depth int) bool {
	if !obj.Resolved {
		refetched, err := store.Get(ctx, credentials, obj.ID)
		if err != nil {
			return true
		}
		if !refetched.Resolved {
			return true
		}
		obj = refetched
	}
	return IsUnresolved(ctx, store, credentials, obj.Data, depth+1)
}

// ContainsNested reports whether v is itself a reference, or is a
// sequence/mapping that transitively contains one, once nested
// collections are flattened out of the way.
func ContainsNested(v object.Value) bool {
	if v.Kind == object.KindRef {
		return true
	}
	if v.Kind != object.KindSequence && v.Kind != object.KindMapping {
		return false
	}
	for _, leaf := range flattenLeaves(v) {
		if leaf.Kind == object.KindRef {
			return true
		}
	}
	return false
}

// flattenLeaves recursively expands nested sequences/mappings into their
// non-collection elements, mirroring the original's unwrap_collection.
func flattenLeaves(v object.Value) []object.Value {
	switch v.Kind {
	case object.KindSequence:
		var out []object.Value
		for _, elem := range v.Sequence {
			if elem.Kind == object.KindSequence || elem.Kind == object.KindMapping {
				out = append(out, flattenLeaves(elem)...)
			} else {
				out = append(out, elem)
			}
		}
		return out
	case object.KindMapping:
		var out []object.Value
		for _, elem := range v.Mapping {
			if elem.Kind == object.KindSequence || elem.Kind == object.KindMapping {
				out = append(out, flattenLeaves(elem)...)
			} else {
				out = append(out, elem)
			}
		}
		return out
	default:
		return []object.Value{v}
	}
}

// Flatten rewrites obj's data by replacing every direct reference leaf
// with the referenced object's data, one level deep. If an unwrapped
// reference itself points at another reference, that is double nesting
// and Flatten returns ErrDoubleNesting.
func Flatten(ctx context.Context, store object.Store, credentials []byte, obj object.ActionObject, onErr OnStoreError) (object.ActionObject, error) {
	rewritten, err := unwrapOneLevel(ctx, store, credentials, obj.Data, onErr)
	if err != nil {
		return object.ActionObject{}, err
	}
	obj.Data = rewritten
	return obj, nil
}

func unwrapOneLevel(ctx context.Context, store object.Store, credentials []byte, v object.Value, onErr OnStoreError) (object.Value, error) {
	switch v.Kind {
	case object.KindSequence:
		out := make([]object.Value, len(v.Sequence))
		for i, elem := range v.Sequence {
			nv, err := unwrapOneLevel(ctx, store, credentials, elem, onErr)
			if err != nil {
				return object.Value{}, err
			}
			out[i] = nv
		}
		return object.Seq(out...), nil
	case object.KindMapping:
		out := make(map[string]object.Value, len(v.Mapping))
		for k, elem := range v.Mapping {
			nv, err := unwrapOneLevel(ctx, store, credentials, elem, onErr)
			if err != nil {
				return object.Value{}, err
			}
			out[k] = nv
		}
		return object.Map(out), nil
	case object.KindRef:
		nested, err := store.Get(ctx, credentials, v.Ref)
		if err != nil {
			if onErr != nil {
				onErr(v.Ref, err)
			}
			return v, nil
		}
		if nested.Data.Kind == object.KindRef {
			return object.Value{}, ErrDoubleNesting
		}
		return nested.Data, nil
	default:
		return v, nil
	}
}

// Decide is the admission decision for a QueueItem's ActionPayload: defer
// if any argument or keyword argument is unresolved, otherwise flatten
// any nested payloads and accept.
func Decide(ctx context.Context, store object.Store, credentials []byte, action ActionPayload, onErr OnStoreError) (Outcome, error) {
	refs := make([]string, 0, len(action.Args)+len(action.Kwargs))
	refs = append(refs, action.Args...)
	for _, id := range action.Kwargs {
		refs = append(refs, id)
	}

	for _, id := range refs {
		if IsUnresolved(ctx, store, credentials, object.RefTo(id), 0) {
			return OutcomeDefer, nil
		}
	}

	for _, id := range refs {
		obj, err := store.Get(ctx, credentials, id)
		if err != nil {
			if onErr != nil {
				onErr(id, err)
			}
			continue
		}
		if !ContainsNested(obj.Data) {
			continue
		}
		rewritten, err := Flatten(ctx, store, credentials, obj, onErr)
		if err != nil {
			return OutcomeDoubleNestingFailure, err
		}
		if err := store.Set(ctx, credentials, rewritten); err != nil && onErr != nil {
			onErr(id, err)
		}
	}

	return OutcomeAccept, nil
}
