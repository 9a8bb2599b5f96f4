// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package schema

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/thfree/jcl/pkg/dataform"
)

// Reason explains why a submitted field was rejected.
type Reason string

const (
	ReasonMandatory     Reason = "mandatory"
	ReasonInvalidType   Reason = "invalid_type"
	ReasonInvalidChoice Reason = "invalid_choice"
	ReasonInvalidName   Reason = "invalid_name"
)

// ValidationError rejects a whole submission because of one field.
type ValidationError struct {
	Field  string
	Reason Reason
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("field %q: %s (%q)", e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// Values maps field names to canonical typed values. Absent fields have no key.
type Values map[string]any

// String returns a text, secret or enum value.
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Bool returns a boolean value and whether it was set.
func (v Values) Bool(name string) (bool, bool) {
	raw, ok := v[name]
	if !ok {
		return false, false
	}
	b, ok := canonical(Boolean, raw)
	if !ok {
		return false, false
	}
	return b.(bool), true
}

// Int returns an integer value and whether it was set. Values read back from
// JSON storage are accepted too.
func (v Values) Int(name string) (int64, bool) {
	raw, ok := v[name]
	if !ok {
		return 0, false
	}
	n, ok := canonical(Integer, raw)
	if !ok {
		return 0, false
	}
	return n.(int64), true
}

// Record is the form-facing view of an account: its name and typed fields.
type Record struct {
	Name   string
	Values Values
}

// Localizer resolves display labels. Lookup reports false when no translation
// exists, in which case the raw name is shown.
type Localizer interface {
	Lookup(key string) (string, bool)
}

func fieldLabel(loc Localizer, name, explicit string) string {
	if explicit != "" {
		if loc != nil {
			if l, ok := loc.Lookup(explicit); ok {
				return l
			}
		}
		return explicit
	}
	if loc != nil {
		if l, ok := loc.Lookup("field_" + name); ok {
			return l
		}
	}
	return name
}

func choiceLabel(loc Localizer, field, choice string) string {
	if loc != nil {
		if l, ok := loc.Lookup("choice_" + field + "_" + choice); ok {
			return l
		}
	}
	return choice
}

// ToForm renders the schema as a form. With existing == nil the form creates
// a new account and pre-fills defaults; otherwise it edits existing and the
// name is carried in a hidden field. Transient fields are never pre-filled.
func ToForm(s *Schema, existing *Record, loc Localizer) *dataform.Form {
	form := dataform.New(dataform.TypeForm, "", "")
	nameField := dataform.Field{
		Var:   NameField,
		Label: fieldLabel(loc, NameField, ""),
	}
	if existing != nil {
		nameField.Type = dataform.FieldHidden
		nameField.Values = []string{existing.Name}
	} else {
		nameField.Type = dataform.FieldTextSingle
		nameField.Required = true
	}
	form.Add(nameField)

	for i := range s.Fields {
		fd := &s.Fields[i]
		field := dataform.Field{
			Var:   fd.Name,
			Label: fieldLabel(loc, fd.Name, fd.Label),
		}
		switch fd.Kind {
		case Secret:
			field.Type = dataform.FieldTextPrivate
		case Boolean:
			field.Type = dataform.FieldBoolean
		case Enum:
			field.Type = dataform.FieldListSingle
			field.Options = make([]dataform.Option, len(fd.Choices))
			for j, choice := range fd.Choices {
				field.Options[j] = dataform.Option{Label: choiceLabel(loc, fd.Name, choice), Value: choice}
			}
		default:
			field.Type = dataform.FieldTextSingle
		}

		var current any
		if existing != nil && !fd.Transient {
			current = existing.Values[fd.Name]
		}
		hasCurrent := false
		if current != nil {
			if str, ok := formatValue(fd.Kind, current); ok {
				field.Values = []string{str}
				hasCurrent = true
			}
		}
		if !hasCurrent && fd.HasDefault() {
			str, _ := formatValue(fd.Kind, fd.Default)
			field.Values = []string{str}
		}
		field.Required = fd.Required && !fd.HasDefault() && !hasCurrent
		form.Add(field)
	}
	return form
}

func formatValue(kind FieldKind, v any) (string, bool) {
	c, ok := canonical(kind, v)
	if !ok {
		return "", false
	}
	switch val := c.(type) {
	case bool:
		return dataform.FormatBool(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case string:
		return val, true
	}
	return "", false
}

// FromForm parses a submitted form. Fields are checked in schema order after
// the name, and the first failing field rejects the submission. Empty values
// count as absent, and absent fields take their default. Unknown fields are
// ignored.
func FromForm(s *Schema, form *dataform.Form) (*Record, error) {
	name, _ := form.Value(NameField)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: NameField, Reason: ReasonMandatory}
	} else if !ValidName(name) {
		return nil, &ValidationError{Field: NameField, Reason: ReasonInvalidName, Value: name}
	}
	values := make(Values, len(s.Fields))
	for i := range s.Fields {
		fd := &s.Fields[i]
		raw, _ := form.Value(fd.Name)
		if raw == "" {
			if fd.HasDefault() {
				values[fd.Name] = fd.Default
			} else if fd.Required {
				return nil, &ValidationError{Field: fd.Name, Reason: ReasonMandatory}
			}
			continue
		}
		parsed, err := parseValue(fd, raw)
		if err != nil {
			return nil, err
		}
		values[fd.Name] = parsed
	}
	return &Record{Name: name, Values: values}, nil
}

// ValidName reports whether name can be used as the local part of an account
// address. Separators of an address and the legacy escape are refused.
func ValidName(name string) bool {
	if name == "" || strings.ContainsAny(name, "@/%") {
		return false
	}
	return !strings.ContainsFunc(name, unicode.IsSpace)
}

func parseValue(fd *FieldDescriptor, raw string) (any, error) {
	switch fd.Kind {
	case Boolean:
		b, err := dataform.ParseBool(raw)
		if err != nil {
			return nil, &ValidationError{Field: fd.Name, Reason: ReasonInvalidType, Value: raw}
		}
		return b, nil
	case Integer:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, &ValidationError{Field: fd.Name, Reason: ReasonInvalidType, Value: raw}
		}
		return n, nil
	case Enum:
		if !slices.Contains(fd.Choices, raw) {
			return nil, &ValidationError{Field: fd.Name, Reason: ReasonInvalidChoice, Value: raw}
		}
		return raw, nil
	default:
		return raw, nil
	}
}
