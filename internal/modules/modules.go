// Package modules provides generic module-level mutators for state trees
// whose modules do not need bespoke mutation logic.
package modules

import (
	"fmt"

	"treesync/internal/protocol"
	"treesync/internal/state"
)

const (
	// KindSet replaces a module's value: {"module": name, "value": any}.
	KindSet = "SET_STATE"
	// KindPatch shallow-merges into a module object: {"module": name, "patch": {...}}.
	// A nil patch value deletes that field.
	KindPatch = "PATCH_STATE"
	// KindDelete removes a module: {"module": name}.
	KindDelete = "DELETE_STATE"
)

func Register(s *state.Store) {
	s.Register(KindSet, Set)
	s.Register(KindPatch, Patch)
	s.Register(KindDelete, Delete)
}

func Set(tree protocol.Tree, payload map[string]any) error {
	module, err := moduleName(payload)
	if err != nil {
		return err
	}
	value, ok := payload["value"]
	if !ok {
		return fmt.Errorf("%s %s: missing value", KindSet, module)
	}
	tree[module] = value
	return nil
}

func Patch(tree protocol.Tree, payload map[string]any) error {
	module, err := moduleName(payload)
	if err != nil {
		return err
	}
	patch, ok := payload["patch"].(map[string]any)
	if !ok {
		return fmt.Errorf("%s %s: patch must be an object", KindPatch, module)
	}

	current, exists := tree[module]
	obj, isObj := current.(map[string]any)
	switch {
	case !exists || current == nil:
		obj = make(map[string]any, len(patch))
	case !isObj:
		return fmt.Errorf("%s %s: module holds %T, not an object", KindPatch, module, current)
	}

	for k, v := range patch {
		if v == nil {
			delete(obj, k)
			continue
		}
		obj[k] = v
	}
	tree[module] = obj
	return nil
}

func Delete(tree protocol.Tree, payload map[string]any) error {
	module, err := moduleName(payload)
	if err != nil {
		return err
	}
	delete(tree, module)
	return nil
}

// SetPayload builds the payload for KindSet.
func SetPayload(module string, value any) map[string]any {
	return map[string]any{"module": module, "value": value}
}

func PatchPayload(module string, patch map[string]any) map[string]any {
	return map[string]any{"module": module, "patch": patch}
}

func DeletePayload(module string) map[string]any {
	return map[string]any{"module": module}
}

func moduleName(payload map[string]any) (string, error) {
	name, _ := payload["module"].(string)
	if name == "" {
		return "", fmt.Errorf("payload without module name")
	}
	return name, nil
}
