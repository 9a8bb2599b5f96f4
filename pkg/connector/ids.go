// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"github.com/thfree/jcl/pkg/stanza"
)

// MakeAccountJID creates the address of an account under the component domain.
func MakeAccountJID(component stanza.JID, name string) stanza.JID {
	return stanza.NewJID(name, component.Domain, "")
}

// ParseAccountJID extracts the account name from an account address. It
// returns "" for the component itself and for legacy addresses.
func ParseAccountJID(jid stanza.JID) string {
	if stanza.IsLegacyLocal(jid.Local) {
		return ""
	}
	return jid.Local
}

// MakeLegacyJID creates the component address standing for an external
// contact, e.g. u111@test.com becomes u111%test.com@<component>.
func MakeLegacyJID(component stanza.JID, address string) stanza.JID {
	return stanza.NewJID(stanza.EscapeLegacy(address), component.Domain, "")
}

// ParseLegacyJID extracts the external address from a legacy address.
func ParseLegacyJID(jid stanza.JID) (string, bool) {
	if !stanza.IsLegacyLocal(jid.Local) {
		return "", false
	}
	return stanza.UnescapeLegacy(jid.Local), true
}

// MakeKindJID creates the component address of one account kind, used as the
// disco item of that kind in multi-kind mode.
func MakeKindJID(component stanza.JID, kind string) stanza.JID {
	return component.Bare().WithResource(kind)
}

// MakeAccountNode creates the disco node of an account: its name, prefixed
// with the kind when several kinds are registered.
func MakeAccountNode(kind, name string) string {
	if kind == "" {
		return name
	}
	return kind + "/" + name
}

// ParseNodePath splits a disco node into its path segments. The root node is
// the empty path.
func ParseNodePath(node string) []string {
	if node == "" {
		return nil
	}
	return strings.Split(node, "/")
}
