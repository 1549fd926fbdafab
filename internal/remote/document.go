package remote

import "sort"

// Document is a decoded JSON object from the remote system. The remote
// duplicates fields at different nesting levels between deployments, so
// accessors never assume a fixed shape.
type Document map[string]any

// String returns the string value at key.
func (d Document) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int64 returns the numeric value at key. JSON numbers decode as float64;
// whole-number strings are not accepted.
func (d Document) Int64(key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// Object returns the nested object at key.
func (d Document) Object(key string) (Document, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return Document(m), true
}

// StringAt walks a key path and returns the string at the leaf.
func (d Document) StringAt(path ...string) (string, bool) {
	cur := d
	for i, key := range path {
		if i == len(path)-1 {
			return cur.String(key)
		}
		next, ok := cur.Object(key)
		if !ok {
			return "", false
		}
		cur = next
	}
	return "", false
}

// FindKey scans the document depth-first for the first field with exactly the
// given name (case-sensitive) and returns its value. Keys at each level are
// visited in sorted order so the scan is deterministic.
func (d Document) FindKey(key string) (any, bool) {
	return findKey(map[string]any(d), key)
}

func findKey(node any, key string) (any, bool) {
	switch typed := node.(type) {
	case map[string]any:
		if v, ok := typed[key]; ok {
			return v, true
		}
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := findKey(typed[k], key); ok {
				return v, true
			}
		}
	case []any:
		for _, item := range typed {
			if v, ok := findKey(item, key); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// FindString is FindKey restricted to string values.
func (d Document) FindString(key string) (string, bool) {
	v, ok := d.FindKey(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
