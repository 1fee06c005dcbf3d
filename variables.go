package bizflow

import "sort"

// MergeVariables applies a partial update onto base and returns the merged
// map plus the sorted list of keys the update touched. The merge is shallow:
// every key present in update overwrites the existing value wholesale
// (last-write-wins), keys absent from update are left untouched, and nested
// structures are replaced rather than deep-merged. Neither input is mutated.
func MergeVariables(base, update map[string]any) (map[string]any, []string) {
	merged := copyVariables(base)
	keys := make([]string, 0, len(update))
	for key, value := range update {
		merged[key] = value
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return merged, keys
}

// copyVariables creates a shallow copy of a variable map. A nil input yields
// an empty, writable map.
func copyVariables(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
