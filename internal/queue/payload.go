package queue

import (
	"encoding/json"
	"fmt"
)

// mergePayload overlays the top-level keys of next onto base.
func mergePayload(base, next string) (string, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal([]byte(base), &dst); err != nil {
		return "", fmt.Errorf("decode queued payload: %w", err)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal([]byte(next), &src); err != nil {
		return "", fmt.Errorf("decode new payload: %w", err)
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	out, err := json.Marshal(dst)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// replaceRef rewrites field to newRef in payload if it currently holds oldRef.
// It reports whether the payload changed.
func replaceRef(payload, field, oldRef, newRef string) (string, bool, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return payload, false, err
	}
	raw, ok := m[field]
	if !ok {
		return payload, false, nil
	}
	var cur string
	if err := json.Unmarshal(raw, &cur); err != nil || cur != oldRef {
		return payload, false, nil
	}
	m[field], _ = json.Marshal(newRef)
	out, err := json.Marshal(m)
	if err != nil {
		return payload, false, err
	}
	return string(out), true, nil
}

// payloadString returns the string held by field in payload.
func payloadString(payload, field string) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return "", false
	}
	var v string
	if err := json.Unmarshal(m[field], &v); err != nil || v == "" {
		return "", false
	}
	return v, true
}
