package fhir

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// PatchOp is one RFC 6902 JSON Patch operation. The server supports the
// add, remove, replace and test operations against resource paths.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ParsePatch decodes a JSON Patch document.
func ParsePatch(data []byte) ([]PatchOp, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ops []PatchOp
	if err := dec.Decode(&ops); err != nil {
		return nil, ErrStructure("invalid json patch: %v", err)
	}
	if len(ops) == 0 {
		return nil, ErrStructure("empty json patch")
	}
	return ops, nil
}

// ApplyPatch applies the operations to a copy of the resource and returns
// the result. The input is never mutated, so a failed test leaves the
// stored resource untouched.
func ApplyPatch(r Resource, ops []PatchOp) (Resource, error) {
	out := DeepCopy(r)
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = patchAdd(out, op.Path, decodeValue(op.Value))
		case "remove":
			err = patchRemove(out, op.Path)
		case "replace":
			if err = patchRemove(out, op.Path); err == nil {
				err = patchAdd(out, op.Path, decodeValue(op.Value))
			}
		case "test":
			err = patchTest(out, op.Path, decodeValue(op.Value))
		default:
			err = ErrNotSupported("unsupported patch op %q", op.Op)
		}
		if err != nil {
			return nil, ErrBadRequest("patch op %d (%s %s): %v", i, op.Op, op.Path, err)
		}
	}
	if ResourceType(out) != ResourceType(r) {
		return nil, ErrBadRequest("patch must not change resourceType")
	}
	return out, nil
}

func decodeValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// patchPointer walks a JSON pointer to the parent container and final key.
func patchPointer(r Resource, path string) (interface{}, string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", ErrBadRequest("path must start with '/'")
	}
	segs := strings.Split(path[1:], "/")
	for i := range segs {
		segs[i] = strings.ReplaceAll(strings.ReplaceAll(segs[i], "~1", "/"), "~0", "~")
	}
	var container interface{} = map[string]interface{}(r)
	for _, seg := range segs[:len(segs)-1] {
		next, err := pointerStep(container, seg)
		if err != nil {
			return nil, "", err
		}
		container = next
	}
	return container, segs[len(segs)-1], nil
}

func pointerStep(container interface{}, seg string) (interface{}, error) {
	switch c := container.(type) {
	case map[string]interface{}:
		next, ok := c[seg]
		if !ok {
			return nil, ErrBadRequest("path segment %q not found", seg)
		}
		return next, nil
	case []interface{}:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, ErrBadRequest("invalid array index %q", seg)
		}
		return c[idx], nil
	}
	return nil, ErrBadRequest("path segment %q addresses a primitive", seg)
}

func patchAdd(r Resource, path string, value interface{}) error {
	container, key, err := patchPointer(r, path)
	if err != nil {
		return err
	}
	switch c := container.(type) {
	case map[string]interface{}:
		c[key] = value
		return nil
	case []interface{}:
		// Array insertion needs the parent holding the slice; resolve it
		// again one level up.
		return patchArrayInsert(r, path, value)
	}
	return ErrBadRequest("cannot add into primitive at %q", path)
}

// patchArrayInsert handles add into an array: "/name/0" inserts, "/name/-"
// appends.
func patchArrayInsert(r Resource, path string, value interface{}) error {
	i := strings.LastIndex(path, "/")
	parentPath, seg := path[:i], path[i+1:]
	container, key, err := patchPointer(r, parentPath)
	if err != nil {
		return err
	}
	parent, ok := container.(map[string]interface{})
	if !ok {
		return ErrBadRequest("unsupported nested array path %q", path)
	}
	arr, ok := parent[key].([]interface{})
	if !ok {
		return ErrBadRequest("path %q is not an array", parentPath)
	}
	if seg == "-" {
		parent[key] = append(arr, value)
		return nil
	}
	idx, err2 := strconv.Atoi(seg)
	if err2 != nil || idx < 0 || idx > len(arr) {
		return ErrBadRequest("invalid array index %q", seg)
	}
	arr = append(arr, nil)
	copy(arr[idx+1:], arr[idx:])
	arr[idx] = value
	parent[key] = arr
	return nil
}

func patchRemove(r Resource, path string) error {
	container, key, err := patchPointer(r, path)
	if err != nil {
		return err
	}
	switch c := container.(type) {
	case map[string]interface{}:
		if _, ok := c[key]; !ok {
			return ErrBadRequest("path %q not found", path)
		}
		delete(c, key)
		return nil
	case []interface{}:
		return patchArrayRemove(r, path)
	}
	return ErrBadRequest("cannot remove from primitive at %q", path)
}

func patchArrayRemove(r Resource, path string) error {
	i := strings.LastIndex(path, "/")
	parentPath, seg := path[:i], path[i+1:]
	container, key, err := patchPointer(r, parentPath)
	if err != nil {
		return err
	}
	parent, ok := container.(map[string]interface{})
	if !ok {
		return ErrBadRequest("unsupported nested array path %q", path)
	}
	arr, ok := parent[key].([]interface{})
	if !ok {
		return ErrBadRequest("path %q is not an array", parentPath)
	}
	idx, err2 := strconv.Atoi(seg)
	if err2 != nil || idx < 0 || idx >= len(arr) {
		return ErrBadRequest("invalid array index %q", seg)
	}
	parent[key] = append(arr[:idx], arr[idx+1:]...)
	return nil
}

func patchTest(r Resource, path string, value interface{}) error {
	container, key, err := patchPointer(r, path)
	if err != nil {
		return err
	}
	current, err := pointerStep(container, key)
	if err != nil {
		return err
	}
	got, _ := json.Marshal(current)
	want, _ := json.Marshal(value)
	if !bytes.Equal(got, want) {
		return ErrBadRequest("test failed at %q", path)
	}
	return nil
}
