// Copyright 2024-2026 Aiku AI

// Package dataform models generic structured forms (jabber:x:data) used by
// registration and ad-hoc commands.
package dataform

import (
	"fmt"
	"strings"
)

type FormType string

const (
	TypeForm   FormType = "form"
	TypeSubmit FormType = "submit"
	TypeCancel FormType = "cancel"
	TypeResult FormType = "result"
)

type FieldType string

const (
	FieldBoolean     FieldType = "boolean"
	FieldFixed       FieldType = "fixed"
	FieldHidden      FieldType = "hidden"
	FieldJIDMulti    FieldType = "jid-multi"
	FieldJIDSingle   FieldType = "jid-single"
	FieldListMulti   FieldType = "list-multi"
	FieldListSingle  FieldType = "list-single"
	FieldTextMulti   FieldType = "text-multi"
	FieldTextPrivate FieldType = "text-private"
	FieldTextSingle  FieldType = "text-single"
)

// FormTypeVar is the hidden field naming the form's namespace.
const FormTypeVar = "FORM_TYPE"

// Option is one choice of a list field.
type Option struct {
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

type Field struct {
	Var      string    `json:"var,omitempty"`
	Type     FieldType `json:"type,omitempty"`
	Label    string    `json:"label,omitempty"`
	Desc     string    `json:"desc,omitempty"`
	Required bool      `json:"required,omitempty"`
	Values   []string  `json:"values,omitempty"`
	Options  []Option  `json:"options,omitempty"`
}

// Value returns the first value of the field, or "" if it has none.
func (f *Field) Value() string {
	if f == nil || len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

type Form struct {
	Type         FormType `json:"type"`
	Title        string   `json:"title,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Fields       []Field  `json:"fields,omitempty"`
}

func New(typ FormType, title, instructions string) *Form {
	return &Form{Type: typ, Title: title, Instructions: instructions}
}

// Add appends a field and returns the form for chaining.
func (f *Form) Add(field Field) *Form {
	f.Fields = append(f.Fields, field)
	return f
}

// Field returns the field named name, or nil.
func (f *Form) Field(name string) *Field {
	if f == nil {
		return nil
	}
	for i := range f.Fields {
		if f.Fields[i].Var == name {
			return &f.Fields[i]
		}
	}
	return nil
}

// Value returns the first value of the named field and whether the field was
// present with at least one value.
func (f *Form) Value(name string) (string, bool) {
	field := f.Field(name)
	if field == nil || len(field.Values) == 0 {
		return "", false
	}
	return field.Values[0], true
}

// Set replaces the values of the named field, adding a bare field if needed.
func (f *Form) Set(name string, values ...string) *Form {
	if field := f.Field(name); field != nil {
		field.Values = values
		return f
	}
	return f.Add(Field{Var: name, Values: values})
}

// SetFormType adds (or replaces) the hidden FORM_TYPE field.
func (f *Form) SetFormType(namespace string) *Form {
	if field := f.Field(FormTypeVar); field != nil {
		field.Type = FieldHidden
		field.Values = []string{namespace}
		return f
	}
	f.Fields = append([]Field{{Var: FormTypeVar, Type: FieldHidden, Values: []string{namespace}}}, f.Fields...)
	return f
}

// Submit builds a submitted form from alternating name/value pairs.
func Submit(pairs ...string) *Form {
	if len(pairs)%2 != 0 {
		panic("dataform.Submit: odd number of arguments")
	}
	form := New(TypeSubmit, "", "")
	for i := 0; i < len(pairs); i += 2 {
		form.Set(pairs[i], pairs[i+1])
	}
	return form
}

// ParseBool accepts the wire tokens of a boolean field.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", s)
	}
}

// FormatBool renders a boolean field value.
func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
