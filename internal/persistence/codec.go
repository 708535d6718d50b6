package persistence

import "encoding/json"

// encodeJSON serializes a value to a JSON blob for storage. Data bags are
// map[string]any exchanged with externally-authored definitions, so JSON
// is the storage codec throughout.
func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// decodeJSON deserializes a stored JSON blob into out. Empty blobs leave
// out untouched.
func decodeJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
