// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package schema declares the typed fields of each account kind and converts
// between those fields and data forms.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type FieldKind string

const (
	Text    FieldKind = "text"
	Secret  FieldKind = "secret"
	Boolean FieldKind = "boolean"
	Enum    FieldKind = "enum"
	Integer FieldKind = "integer"
)

// NameField is the implicit first field of every form. It cannot be declared.
const NameField = "name"

// Fields the account manager gives a meaning to when a kind declares them.
const (
	PasswordField      = "password"
	StorePasswordField = "store_password"
)

var ErrInvalidSchema = errors.New("invalid account schema")

// FieldDescriptor declares one typed account field.
//
// Default holds the canonical Go value for the kind once the schema is
// registered: string for text, secret and enum, bool for boolean, int64 for
// integer. A nil Default means the field has none.
type FieldDescriptor struct {
	Name      string    `yaml:"name"`
	Kind      FieldKind `yaml:"kind"`
	Required  bool      `yaml:"required"`
	Default   any       `yaml:"default"`
	Choices   []string  `yaml:"choices"`
	Label     string    `yaml:"label"`
	Transient bool      `yaml:"transient"`
}

func (fd *FieldDescriptor) HasDefault() bool {
	return fd.Default != nil
}

// Schema is the ordered field list of one account kind.
type Schema struct {
	Kind   string            `yaml:"kind"`
	Label  string            `yaml:"label"`
	Fields []FieldDescriptor `yaml:"fields"`
}

// Field returns the descriptor named name.
func (s *Schema) Field(name string) (*FieldDescriptor, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

func (s *Schema) HasField(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// DisplayLabel returns the label, falling back to the kind tag.
func (s *Schema) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Kind
}

func (s *Schema) validate() error {
	if strings.TrimSpace(s.Kind) == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidSchema)
	}
	if strings.ContainsAny(s.Kind, "/@ ") {
		return fmt.Errorf("%w: kind %q contains reserved characters", ErrInvalidSchema, s.Kind)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i := range s.Fields {
		fd := &s.Fields[i]
		if fd.Name == "" {
			return fmt.Errorf("%w: kind %s: field %d has no name", ErrInvalidSchema, s.Kind, i)
		}
		if fd.Name == NameField {
			return fmt.Errorf("%w: kind %s: field name %q is reserved", ErrInvalidSchema, s.Kind, NameField)
		}
		if _, dup := seen[fd.Name]; dup {
			return fmt.Errorf("%w: kind %s: duplicate field %q", ErrInvalidSchema, s.Kind, fd.Name)
		}
		seen[fd.Name] = struct{}{}
		if err := fd.normalize(); err != nil {
			return fmt.Errorf("%w: kind %s: field %s: %w", ErrInvalidSchema, s.Kind, fd.Name, err)
		}
	}
	return nil
}

func (fd *FieldDescriptor) normalize() error {
	switch fd.Kind {
	case Text, Secret, Boolean, Integer:
	case Enum:
		if len(fd.Choices) == 0 {
			return errors.New("enum without choices")
		}
	case "":
		fd.Kind = Text
	default:
		return fmt.Errorf("unknown field kind %q", fd.Kind)
	}
	if fd.Default == nil {
		return nil
	}
	def, ok := canonical(fd.Kind, fd.Default)
	if !ok {
		return fmt.Errorf("default %v does not fit kind %s", fd.Default, fd.Kind)
	}
	if fd.Kind == Enum && !slices.Contains(fd.Choices, def.(string)) {
		return fmt.Errorf("default %q is not a choice", def)
	}
	fd.Default = def
	return nil
}

// canonical converts v to the Go type used for kind, accepting the shapes
// produced by YAML and JSON decoding.
func canonical(kind FieldKind, v any) (any, bool) {
	switch kind {
	case Boolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			parsed, err := strconv.ParseBool(b)
			return parsed, err == nil
		}
	case Integer:
		switch n := v.(type) {
		case int:
			return int64(n), true
		case int64:
			return n, true
		case float64:
			// 2^63 itself is not representable as int64.
			if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
				return int64(n), true
			}
		case json.Number:
			parsed, err := n.Int64()
			return parsed, err == nil
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			return parsed, err == nil
		}
	default:
		s, ok := v.(string)
		return s, ok
	}
	return nil, false
}

// Registry holds the account schemas known at startup, in registration order.
// It is read-only once built.
type Registry struct {
	schemas []*Schema
	byKind  map[string]*Schema
}

// NewRegistry validates the schemas and indexes them by kind.
// Kind lookups are case-insensitive.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("%w: no account kinds declared", ErrInvalidSchema)
	}
	r := &Registry{byKind: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if err := s.validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(s.Kind)
		if _, dup := r.byKind[key]; dup {
			return nil, fmt.Errorf("%w: duplicate kind %q", ErrInvalidSchema, s.Kind)
		}
		r.byKind[key] = s
		r.schemas = append(r.schemas, s)
	}
	return r, nil
}

// Describe returns the schema of kind.
func (r *Registry) Describe(kind string) (*Schema, bool) {
	s, ok := r.byKind[strings.ToLower(kind)]
	return s, ok
}

// Schemas returns the schemas in registration order.
func (r *Registry) Schemas() []*Schema {
	return slices.Clone(r.schemas)
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, len(r.schemas))
	for i, s := range r.schemas {
		kinds[i] = s.Kind
	}
	return kinds
}

// Multiple reports whether more than one kind is registered, which adds the
// kind segment to disco paths.
func (r *Registry) Multiple() bool {
	return len(r.schemas) > 1
}

// Default is the first registered schema.
func (r *Registry) Default() *Schema {
	return r.schemas[0]
}
