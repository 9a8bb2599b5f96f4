// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stanza

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidJID is returned when an address cannot be parsed.
var ErrInvalidJID = errors.New("invalid jid")

// JID is a federated address of the form local@domain/resource.
// Local and Resource are optional.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// NewJID builds a JID from its parts. The domain is lowercased.
func NewJID(local, domain, resource string) JID {
	return JID{Local: local, Domain: strings.ToLower(domain), Resource: resource}
}

// ParseJID parses a textual address.
func ParseJID(s string) (JID, error) {
	if s == "" {
		return JID{}, fmt.Errorf("%w: empty", ErrInvalidJID)
	}
	bare, resource, hasResource := strings.Cut(s, "/")
	if hasResource && resource == "" {
		return JID{}, fmt.Errorf("%w: empty resource in %q", ErrInvalidJID, s)
	}
	local, domain, hasLocal := strings.Cut(bare, "@")
	if !hasLocal {
		domain, local = local, ""
	} else if local == "" {
		return JID{}, fmt.Errorf("%w: empty local part in %q", ErrInvalidJID, s)
	}
	if domain == "" || strings.Contains(domain, "@") {
		return JID{}, fmt.Errorf("%w: bad domain in %q", ErrInvalidJID, s)
	}
	return NewJID(local, domain, resource), nil
}

// MustParseJID is like ParseJID but panics on error. Meant for constants and tests.
func MustParseJID(s string) JID {
	jid, err := ParseJID(s)
	if err != nil {
		panic(err)
	}
	return jid
}

// Bare strips the resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

// WithResource returns a copy of j with the given resource.
func (j JID) WithResource(resource string) JID {
	j.Resource = resource
	return j
}

// Domainpart returns the JID of the domain only (e.g. the component address).
func (j JID) Domainpart() JID {
	return JID{Domain: j.Domain}
}

func (j JID) IsZero() bool {
	return j.Domain == ""
}

// Equal compares full addresses.
func (j JID) Equal(other JID) bool {
	return j.Local == other.Local && j.Domain == other.Domain && j.Resource == other.Resource
}

func (j JID) String() string {
	if j.Domain == "" {
		return ""
	}
	var sb strings.Builder
	if j.Local != "" {
		sb.WriteString(j.Local)
		sb.WriteByte('@')
	}
	sb.WriteString(j.Domain)
	if j.Resource != "" {
		sb.WriteByte('/')
		sb.WriteString(j.Resource)
	}
	return sb.String()
}

func (j JID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

func (j *JID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*j = JID{}
		return nil
	}
	parsed, err := ParseJID(string(text))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// EscapeLegacy turns an external address (user@host) into a local part
// usable under the component domain (user%host).
func EscapeLegacy(address string) string {
	return strings.ReplaceAll(address, "@", "%")
}

// UnescapeLegacy reverses EscapeLegacy.
func UnescapeLegacy(local string) string {
	return strings.ReplaceAll(local, "%", "@")
}

// IsLegacyLocal reports whether a local part carries an escaped external address.
func IsLegacyLocal(local string) bool {
	return strings.Contains(local, "%")
}
