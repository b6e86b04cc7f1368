package ipfs

import (
	"strconv"
	"strings"
)

// FindRestrictedKey walks a decoded JSON payload and returns the path to the
// first key the document store cannot accept: keys containing '.' or starting
// with '$' collide with the store's field-path and operator syntax. Returns
// nil when every key is acceptable.
func FindRestrictedKey(v any) []string {
	return findRestrictedKey(v, nil)
}

func findRestrictedKey(v any, path []string) []string {
	switch typed := v.(type) {
	case map[string]any:
		for k, child := range typed {
			if strings.Contains(k, ".") || strings.HasPrefix(k, "$") {
				return append(append([]string{}, path...), k)
			}
			if found := findRestrictedKey(child, append(path, k)); found != nil {
				return found
			}
		}
	case []any:
		for i, item := range typed {
			if found := findRestrictedKey(item, append(path, strconv.Itoa(i))); found != nil {
				return found
			}
		}
	}
	return nil
}
