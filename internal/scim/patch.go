package scim

import (
	"fmt"
	"regexp"
	"strings"
)

// multiValuedPath matches `attr[filter]` and `attr[filter].subAttr`.
var multiValuedPath = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*)\[(.+)\](?:\.([a-zA-Z][a-zA-Z0-9]*))?$`)

// elementFilter matches the single `name eq value` predicate allowed inside
// a multi-valued path.
var elementFilter = regexp.MustCompile(`^ *([a-zA-Z][a-zA-Z0-9]*) +(?i:eq) +(.+?) *$`)

// ApplyPatch applies SCIM PATCH operations to a resource and reports which
// top-level attributes were touched, keyed by attribute name with the
// post-update value. The input resource is never mutated.
func ApplyPatch(resource Resource, ops []PatchOperation) (Resource, map[string]interface{}, error) {
	out := resource.Clone()
	if out == nil {
		out = Resource{}
	}
	changed := make(map[string]interface{})

	for _, op := range ops {
		verb := strings.ToLower(strings.TrimSpace(op.Op))
		switch verb {
		case "add", "remove", "replace":
		default:
			return nil, nil, InvalidValue(fmt.Sprintf("unsupported patch op %q", op.Op))
		}
		if err := applyOperation(out, verb, strings.TrimSpace(op.Path), op.Value, changed); err != nil {
			return nil, nil, err
		}
	}
	return out, changed, nil
}

func applyOperation(res Resource, verb, path string, value interface{}, changed map[string]interface{}) error {
	// No path: the value object is written key by key at the top level.
	if path == "" {
		if verb == "remove" {
			return nil
		}
		obj, ok := value.(map[string]interface{})
		if !ok {
			return InvalidValue("patch value must be an object when no path is supplied")
		}
		for k, v := range obj {
			res[k] = v
			changed[k] = v
		}
		return nil
	}

	// Simple top-level attribute.
	if !strings.ContainsAny(path, ".[") {
		if verb == "remove" {
			delete(res, path)
			changed[path] = nil
			return nil
		}
		res[path] = value
		changed[path] = value
		return nil
	}

	// Multi-valued expression, e.g. emails[type eq "work"].value.
	if m := multiValuedPath.FindStringSubmatch(path); m != nil {
		if name, matchValue, ok := parseElementFilter(m[2]); ok {
			applyMultiValued(res, verb, m[1], name, matchValue, m[3], value, changed)
			return nil
		}
	}

	// Dotted path of depth 2, e.g. name.givenName.
	if parts := strings.Split(path, "."); len(parts) == 2 && !strings.Contains(path, "[") {
		parent, child := parts[0], parts[1]
		obj, ok := res[parent].(map[string]interface{})
		if !ok {
			obj = map[string]interface{}{}
		}
		if verb == "remove" {
			delete(obj, child)
		} else {
			obj[child] = value
		}
		res[parent] = obj
		changed[parent] = obj
		return nil
	}

	// Anything else is treated as a single opaque key.
	if verb == "remove" {
		delete(res, path)
		changed[path] = nil
		return nil
	}
	res[path] = value
	changed[path] = value
	return nil
}

// parseElementFilter parses the inner `name eq value` predicate. The value
// is either double-quoted (no escapes) or one of the unquoted literals
// true/false.
func parseElementFilter(expr string) (name string, value interface{}, ok bool) {
	m := elementFilter.FindStringSubmatch(expr)
	if m == nil {
		return "", nil, false
	}
	raw := m[2]
	if len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) {
		return m[1], raw[1 : len(raw)-1], true
	}
	switch raw {
	case "true":
		return m[1], true, true
	case "false":
		return m[1], false, true
	}
	return m[1], raw, true
}

func applyMultiValued(res Resource, verb, attr, name string, matchValue interface{}, subAttr string, value interface{}, changed map[string]interface{}) {
	list, _ := res[attr].([]interface{})

	if verb == "remove" {
		kept := make([]interface{}, 0, len(list))
		for _, elem := range list {
			if obj, ok := elem.(map[string]interface{}); ok && obj[name] == matchValue {
				continue
			}
			kept = append(kept, elem)
		}
		res[attr] = kept
		changed[attr] = kept
		return
	}

	for _, elem := range list {
		obj, ok := elem.(map[string]interface{})
		if !ok || obj[name] != matchValue {
			continue
		}
		setElement(obj, subAttr, value)
		res[attr] = list
		changed[attr] = list
		return
	}

	// No element matched: synthesize one from the filter predicate, apply
	// the operation to it, and append. Okta relies on this when adding a
	// value to an attribute that is still empty.
	elem := map[string]interface{}{name: matchValue}
	setElement(elem, subAttr, value)
	list = append(list, elem)
	res[attr] = list
	changed[attr] = list
}

func setElement(obj map[string]interface{}, subAttr string, value interface{}) {
	if subAttr != "" {
		obj[subAttr] = value
		return
	}
	if merge, ok := value.(map[string]interface{}); ok {
		for k, v := range merge {
			obj[k] = v
		}
	}
}
