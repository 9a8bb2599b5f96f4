// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"runtime"
	"strings"

	"github.com/thfree/jcl/pkg/stanza"
)

func (g *Gateway) handleVersion(_ context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	return []stanza.Stanza{iq.Result(&stanza.Version{
		Name:    g.Config.Component.Name,
		Version: g.Config.Component.Version,
		OS:      runtime.GOOS,
	})}, nil
}

// Last activity and vcard queries get empty answers.
func (g *Gateway) handleLast(_ context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	return []stanza.Stanza{iq.Result(&stanza.Last{})}, nil
}

func (g *Gateway) handleVCard(_ context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	return []stanza.Stanza{iq.Result(&stanza.VCard{})}, nil
}

func (g *Gateway) handleGatewayGet(_ context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	lang := g.lang(iq)
	return []stanza.Stanza{iq.Result(&stanza.Gateway{
		Desc:   lang.Text("get_gateway_desc"),
		Prompt: lang.Text("get_gateway_prompt"),
	})}, nil
}

// handleGatewaySet turns a prompted external address into the legacy
// address that reaches it through the component.
func (g *Gateway) handleGatewaySet(_ context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	req, ok := iq.Payload.(*stanza.Gateway)
	if !ok || strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrBadRequest
	}
	return []stanza.Stanza{iq.Result(&stanza.Gateway{
		JID: MakeLegacyJID(g.JID, strings.TrimSpace(req.Prompt)),
	})}, nil
}

func (g *Gateway) handleDiscoInfo(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	var node string
	if req, ok := iq.Payload.(*stanza.DiscoInfo); ok {
		node = req.Node
	}
	path, err := g.Disco.PathOf(ctx, iq.From, iq.To, node)
	if err != nil {
		return nil, err
	}
	info, err := g.Disco.Describe(ctx, path, iq.From, g.lang(iq))
	if err != nil {
		return nil, err
	}
	return []stanza.Stanza{iq.Result(&stanza.DiscoInfo{
		Node:       node,
		Identities: info.Identities,
		Features:   info.Features,
	})}, nil
}

func (g *Gateway) handleDiscoItems(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	var node string
	if req, ok := iq.Payload.(*stanza.DiscoItems); ok {
		node = req.Node
	}
	path, err := g.Disco.PathOf(ctx, iq.From, iq.To, node)
	if err != nil {
		return nil, err
	}
	children, err := g.Disco.ListChildren(ctx, path, iq.From, g.lang(iq))
	if err != nil {
		return nil, err
	}
	items := make([]stanza.DiscoItem, len(children))
	for i, c := range children {
		items[i] = stanza.DiscoItem{JID: c.JID, Node: c.Node, Name: c.Name}
	}
	return []stanza.Stanza{iq.Result(&stanza.DiscoItems{Node: node, Items: items})}, nil
}
