package docstore

import "encoding/json"

// normalize round-trips data through JSON so every backend stores and returns
// the same shapes ([]any, map[string]any, float64).
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeInto deep-merges src into dst. Nested maps merge key by key; any other
// value (including lists) replaces what was there.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sm, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dm, ok := dst[k].(map[string]any)
		if !ok {
			dm = map[string]any{}
		}
		mergeInto(dm, sm)
		dst[k] = dm
	}
}

func copyData(in map[string]any) map[string]any {
	out, err := normalize(in)
	if err != nil {
		return map[string]any{}
	}
	return out
}
