package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalJSON converts v to JSON TEXT for storage.
// HTML escaping is disabled so stored keys and filters read as written.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// marshalServerIDs stores a list of server ids as a JSON array.
// A nil list is stored as [].
func marshalServerIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := marshalJSON(ids)
	if err != nil {
		return "", fmt.Errorf("marshal server ids: %w", err)
	}
	return data, nil
}

// unmarshalServerIDs parses a JSON array of server ids.
func unmarshalServerIDs(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal server ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
