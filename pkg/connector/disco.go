// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// NodeDescriptor is one child in a disco listing.
type NodeDescriptor struct {
	JID  stanza.JID
	Node string
	Name string
}

// NodeInfo describes a disco leaf or branch.
type NodeInfo struct {
	Identities []stanza.Identity
	Features   []string
}

// DiscoResolver maps disco paths to listings. The root lists the account
// kinds, or directly the requester's accounts when a single kind is
// registered. Accounts and commands are leaves.
type DiscoResolver struct {
	gw *Gateway
}

type nodeType int

const (
	nodeRoot nodeType = iota
	nodeKind
	nodeAccount
	nodeCommand
	nodeCommandList
)

type resolvedNode struct {
	typ     nodeType
	schema  *schema.Schema
	account *store.Account
	command *Command
}

// PathOf derives the disco path addressed by an IQ sent to to with node.
func (d *DiscoResolver) PathOf(ctx context.Context, requester, to stanza.JID, node string) ([]string, error) {
	multi := d.gw.Schemas.Multiple()
	if node != "" {
		if node == stanza.NSCommands || d.gw.Commands.Lookup(node) != nil {
			return []string{node}, nil
		}
		return ParseNodePath(node), nil
	}
	if to.Local == "" {
		if to.Resource != "" && multi {
			return []string{to.Resource}, nil
		}
		return nil, nil
	}
	name := ParseAccountJID(to)
	if name == "" {
		return nil, ErrNodeNotFound
	}
	if !multi {
		return []string{name}, nil
	}
	kind := to.Resource
	if kind == "" {
		acc, err := d.gw.Store.GetAccount(ctx, requester.Bare(), name)
		if err != nil {
			return nil, fmt.Errorf("failed to get account: %w", err)
		} else if acc == nil {
			return nil, ErrNodeNotFound
		}
		kind = acc.Kind
	}
	return []string{kind, name}, nil
}

func (d *DiscoResolver) resolve(ctx context.Context, path []string, requester stanza.JID) (*resolvedNode, error) {
	reg := d.gw.Schemas
	switch len(path) {
	case 0:
		return &resolvedNode{typ: nodeRoot}, nil
	case 1:
		seg := path[0]
		if reg.Multiple() {
			if s, ok := reg.Describe(seg); ok {
				return &resolvedNode{typ: nodeKind, schema: s}, nil
			}
		} else if seg != "" {
			acc, err := d.gw.Store.GetAccount(ctx, requester.Bare(), seg)
			if err != nil {
				return nil, fmt.Errorf("failed to get account: %w", err)
			} else if acc != nil {
				return &resolvedNode{typ: nodeAccount, schema: d.gw.Accounts.SchemaOf(acc), account: acc}, nil
			}
		}
		if seg == stanza.NSCommands {
			return &resolvedNode{typ: nodeCommandList}, nil
		}
		if cmd := d.gw.Commands.Lookup(seg); cmd != nil {
			if !d.gw.Commands.Allowed(ctx, cmd, requester) {
				return nil, ErrNodeNotFound
			}
			return &resolvedNode{typ: nodeCommand, command: cmd}, nil
		}
	case 2:
		if !reg.Multiple() {
			break
		}
		s, ok := reg.Describe(path[0])
		if !ok {
			break
		}
		acc, err := d.gw.Store.GetAccount(ctx, requester.Bare(), path[1])
		if err != nil {
			return nil, fmt.Errorf("failed to get account: %w", err)
		} else if acc != nil && strings.EqualFold(acc.Kind, s.Kind) {
			return &resolvedNode{typ: nodeAccount, schema: s, account: acc}, nil
		}
	}
	return nil, ErrNodeNotFound
}

// ListChildren lists the children of path as seen by requester. An existing
// leaf yields an empty, non-nil list; an unknown path yields ErrNodeNotFound.
func (d *DiscoResolver) ListChildren(ctx context.Context, path []string, requester stanza.JID, lang *Lang) ([]NodeDescriptor, error) {
	node, err := d.resolve(ctx, path, requester)
	if err != nil {
		return nil, err
	}
	children := []NodeDescriptor{}
	switch node.typ {
	case nodeRoot:
		if d.gw.Schemas.Multiple() {
			for _, s := range d.gw.Schemas.Schemas() {
				children = append(children, NodeDescriptor{
					JID:  MakeKindJID(d.gw.JID, s.Kind),
					Node: s.Kind,
					Name: kindLabel(lang, s),
				})
			}
		} else {
			accounts, err := d.gw.Store.AccountsOf(ctx, requester.Bare())
			if err != nil {
				return nil, fmt.Errorf("failed to list accounts: %w", err)
			}
			s := d.gw.Schemas.Default()
			for _, acc := range accounts {
				children = append(children, NodeDescriptor{
					JID:  acc.JID,
					Node: MakeAccountNode("", acc.Name),
					Name: lang.Format("connection_label", kindLabel(lang, s), acc.Name),
				})
			}
		}
		if d.gw.Settings.IsAdmin(requester) {
			for _, cmd := range d.gw.Commands.Permitted(ctx, requester) {
				if cmd.AdminOnly {
					children = append(children, d.commandDescriptor(cmd, lang))
				}
			}
		}
	case nodeKind:
		accounts, err := d.gw.Store.AccountsOf(ctx, requester.Bare())
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		for _, acc := range accounts {
			if !strings.EqualFold(acc.Kind, node.schema.Kind) {
				continue
			}
			children = append(children, NodeDescriptor{
				JID:  acc.JID.WithResource(node.schema.Kind),
				Node: MakeAccountNode(node.schema.Kind, acc.Name),
				Name: lang.Format("connection_label", kindLabel(lang, node.schema), acc.Name),
			})
		}
	case nodeCommandList:
		for _, cmd := range d.gw.Commands.Permitted(ctx, requester) {
			children = append(children, d.commandDescriptor(cmd, lang))
		}
	case nodeAccount, nodeCommand:
	}
	return children, nil
}

// Describe returns the identities and features of path.
func (d *DiscoResolver) Describe(ctx context.Context, path []string, requester stanza.JID, lang *Lang) (*NodeInfo, error) {
	node, err := d.resolve(ctx, path, requester)
	if err != nil {
		return nil, err
	}
	switch node.typ {
	case nodeRoot:
		features := []string{stanza.NSVersion, stanza.NSVCard, stanza.NSLast}
		if !d.gw.Schemas.Multiple() {
			features = append(features, stanza.NSRegister)
		}
		features = append(features, stanza.NSCommands, stanza.NSGateway)
		return &NodeInfo{
			Identities: []stanza.Identity{{Category: "gateway", Type: d.gw.Config.Component.Type, Name: d.gw.Config.Component.Name}},
			Features:   features,
		}, nil
	case nodeKind:
		return &NodeInfo{
			Identities: []stanza.Identity{{Category: "headline", Type: "newmail", Name: kindLabel(lang, node.schema)}},
			Features:   []string{stanza.NSRegister},
		}, nil
	case nodeAccount:
		return &NodeInfo{
			Identities: []stanza.Identity{{
				Category: "client",
				Type:     "pc",
				Name:     lang.Format("connection_label", kindLabel(lang, node.schema), node.account.Name),
			}},
			Features: []string{stanza.NSVCard, stanza.NSLast, stanza.NSRegister},
		}, nil
	case nodeCommand:
		return &NodeInfo{
			Identities: []stanza.Identity{{Category: "automation", Type: "command-node", Name: commandLabel(lang, node.command)}},
			Features:   []string{stanza.NSCommands, stanza.NSDataForms},
		}, nil
	default:
		return &NodeInfo{
			Identities: []stanza.Identity{{Category: "automation", Type: "command-list", Name: lang.Text("commands_node")}},
		}, nil
	}
}

func (d *DiscoResolver) commandDescriptor(cmd *Command, lang *Lang) NodeDescriptor {
	return NodeDescriptor{JID: d.gw.JID, Node: cmd.Node, Name: commandLabel(lang, cmd)}
}

func kindLabel(lang *Lang, s *schema.Schema) string {
	if l, ok := lang.Lookup("kind_" + s.Kind); ok {
		return l
	}
	return s.DisplayLabel()
}
