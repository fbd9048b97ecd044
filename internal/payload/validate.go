package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports every required field that is absent and every
// field whose JSON type is wrong.
type ValidationError struct {
	Type    string
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("payload: %s: %s", e.Type, strings.Join(parts, "; "))
}

func (e *ValidationError) empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}

// errOrNil keeps a nil *ValidationError from becoming a non-nil error.
func (e *ValidationError) errOrNil() error {
	if e.empty() {
		return nil
	}
	return e
}

type kind int

const (
	kindString kind = iota
	kindBool
	kindObject
)

type field struct {
	name     string
	kind     kind
	required bool
}

// checkFields validates presence and JSON kinds of raw's top-level fields.
// A null value counts as absent.
func checkFields(typ string, raw []byte, fields []field) *ValidationError {
	verr := &ValidationError{Type: typ}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		obj = nil
	}
	for _, f := range fields {
		v, ok := obj[f.name]
		if !ok || isNull(v) {
			if f.required {
				verr.Missing = append(verr.Missing, f.name)
			}
			continue
		}
		if !hasKind(v, f.kind) {
			verr.Invalid = append(verr.Invalid, f.name)
		}
	}
	return verr
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func hasKind(v json.RawMessage, k kind) bool {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return false
	}
	switch k {
	case kindString:
		return v[0] == '"'
	case kindBool:
		return v[0] == 't' || v[0] == 'f'
	case kindObject:
		return v[0] == '{'
	}
	return false
}

// decode runs the field check, then unmarshals into dst. A failure that
// names no field is reported against fallback.
func decode(typ string, raw []byte, fields []field, dst any, fallback string) *ValidationError {
	verr := checkFields(typ, raw, fields)
	if !verr.empty() {
		return verr
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		verr.Invalid = append(verr.Invalid, unmarshalField(err, fallback))
	}
	return verr
}

func unmarshalField(err error, fallback string) string {
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) && ute.Field != "" {
		return ute.Field
	}
	if fallback == "" {
		return "(body)"
	}
	return fallback
}
