// Package storagepath maps a fetched record to the deterministic path its JSON is
// stored under: <agencyId>/<docketId>/<commentOnDocumentId>/<id>/<id>.json.
package storagepath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResultHasError marks a payload carrying an "error" key; it has no path.
	ErrResultHasError = errors.New("result carries an error")
	// ErrMalformedResult marks a payload without the data.attributes/data.id shape.
	ErrMalformedResult = errors.New("malformed result")
)

// pathKeys are read from data.attributes in this order.
var pathKeys = []string{"agencyId", "docketId", "commentOnDocumentId"}

type record struct {
	Data *struct {
		ID         json.RawMessage            `json:"id"`
		Attributes map[string]json.RawMessage `json:"attributes"`
	} `json:"data"`
}

// Derive returns the storage path for a JSON result payload.
func Derive(payload []byte) (string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	if _, ok := top["error"]; ok {
		return "", ErrResultHasError
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	if rec.Data == nil {
		return "", fmt.Errorf("%w: missing data", ErrMalformedResult)
	}
	if rec.Data.Attributes == nil {
		return "", fmt.Errorf("%w: missing data.attributes", ErrMalformedResult)
	}
	id, err := stringValue(rec.Data.ID)
	if err != nil || id == "" {
		return "", fmt.Errorf("%w: missing data.id", ErrMalformedResult)
	}
	if err := checkSegment(id); err != nil {
		return "", fmt.Errorf("%w: data.id: %w", ErrMalformedResult, err)
	}

	var b strings.Builder
	for _, key := range pathKeys {
		raw, ok := rec.Data.Attributes[key]
		if !ok {
			continue
		}
		if isNull(raw) {
			b.WriteString("None/")
			continue
		}
		value, err := stringValue(raw)
		if err != nil {
			return "", fmt.Errorf("%w: attribute %s: %w", ErrMalformedResult, key, err)
		}
		if err := checkSegment(value); err != nil {
			return "", fmt.Errorf("%w: attribute %s: %w", ErrMalformedResult, key, err)
		}
		b.WriteString(value)
		b.WriteString("/")
	}
	b.WriteString(id)
	b.WriteString("/")
	b.WriteString(id)
	b.WriteString(".json")
	return b.String(), nil
}

// checkSegment rejects values that cannot stand as a single path segment.
func checkSegment(value string) error {
	switch {
	case value == "":
		return errors.New("value is empty")
	case value == "." || value == "..":
		return fmt.Errorf("value %q is not a name", value)
	case strings.ContainsAny(value, "/\\"):
		return fmt.Errorf("value %q contains a path separator", value)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || strings.TrimSpace(string(raw)) == "null"
}

func stringValue(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", errors.New("value is null")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("value is not a string: %w", err)
	}
	return s, nil
}
