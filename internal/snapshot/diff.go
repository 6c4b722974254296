// Package snapshot implements the deterministic JSON diff the broker uses
// to turn a freshly computed channel payload into the minimal delta
// against the payload it last sent a given client.
package snapshot

import "reflect"

// Object is a JSON object as decoded by encoding/json: string keys,
// values of type map[string]any, []any, float64, string, bool, or nil.
type Object = map[string]any

// Diff mutates old in place into the minimal object that, merged by the
// client into its copy of old using the one-level recursive merge rule
// below, reconstructs new. It returns the same map it was given, for
// convenience at call sites.
//
// Rules:
//  1. If old and new are deeply equal, old is replaced with an empty
//     object (the "no change" signal) and returned.
//  2. Keys present in old but absent in new are deleted from old. This
//     is how a client is told a channel disappeared entirely.
//  3. For every key in new: if old doesn't have it, copy it in verbatim.
//     Otherwise, if the new value or the old value is not itself an
//     object, the old value is wholesale-replaced with the new one (or a
//     deep copy of it, if new held the object and old didn't). If both
//     are objects, recurse exactly one level: inner keys whose value is
//     unchanged are removed from old (suppressed, since the client
//     already has them); inner keys that changed are overwritten; inner
//     keys present in old but absent in new are deliberately retained.
//     This diff never encodes inner-key deletion, only top-level.
func Diff(old, new Object) Object {
	if reflect.DeepEqual(old, new) {
		for k := range old {
			delete(old, k)
		}
		return old
	}

	for k := range old {
		if _, ok := new[k]; !ok {
			delete(old, k)
		}
	}

	for k, nv := range new {
		ov, exists := old[k]
		if !exists {
			old[k] = nv
			continue
		}

		nvObj, nvIsObj := asObject(nv)
		if !nvIsObj {
			old[k] = nv
			continue
		}

		ovObj, ovIsObj := asObject(ov)
		if !ovIsObj {
			old[k] = deepCopy(nv)
			continue
		}

		for ik, inv := range nvObj {
			iov, iexists := ovObj[ik]
			if iexists && reflect.DeepEqual(iov, inv) {
				delete(ovObj, ik)
			} else {
				ovObj[ik] = inv
			}
		}
		old[k] = ovObj
	}

	return old
}

func asObject(v any) (Object, bool) {
	obj, ok := v.(Object)
	return obj, ok
}

// deepCopy clones a JSON value (as decoded by encoding/json). Diff uses it
// only where an object from new replaces a non-object in old, so that
// result does not share that object with new; keys inserted verbatim and
// changed inner values are stored without copying.
func deepCopy(v any) any {
	switch t := v.(type) {
	case Object:
		out := make(Object, len(t))
		for k, inner := range t {
			out[k] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = deepCopy(inner)
		}
		return out
	default:
		return t
	}
}
