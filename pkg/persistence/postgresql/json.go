package postgresql

import (
	"encoding/json"
	"fmt"
)

// jsonbValue marshals a field for a JSONB column, mapping nil-able values to
// SQL NULL so the column defaults apply.
func jsonbValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}

	return raw, nil
}

// scanJSONB unmarshals a JSONB column into target, leaving target untouched
// for NULL columns.
func scanJSONB(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal jsonb value: %w", err)
	}

	return nil
}

// nullString maps empty strings to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// fromNullString maps SQL NULL back to the empty string.
func fromNullString(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
