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
)

// passwordSubjectPrefix marks password requests and their replies.
const passwordSubjectPrefix = "[PASSWORD]"

// MessageHandler handles the messages it matches. The first matching
// handler of the chain wins.
type MessageHandler interface {
	Matches(ctx context.Context, m *stanza.Message) (bool, error)
	Handle(ctx context.Context, m *stanza.Message) ([]stanza.Stanza, error)
}

func (g *Gateway) messageHandlers() []MessageHandler {
	return []MessageHandler{
		&passwordMessageHandler{gw: g},
		&helpMessageHandler{gw: g},
	}
}

func (g *Gateway) handleMessage(ctx context.Context, m *stanza.Message) ([]stanza.Stanza, error) {
	user, err := g.Store.GetUser(ctx, m.From.Bare())
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	} else if user == nil {
		return nil, nil
	}
	for _, h := range g.messageHandlers() {
		ok, err := h.Matches(ctx, m)
		if err != nil {
			return nil, err
		} else if ok {
			return h.Handle(ctx, m)
		}
	}
	return nil, nil
}

// passwordMessageHandler takes the reply to a password request.
type passwordMessageHandler struct {
	gw *Gateway
}

func (h *passwordMessageHandler) Matches(ctx context.Context, m *stanza.Message) (bool, error) {
	if !strings.HasPrefix(strings.TrimSpace(m.Subject), passwordSubjectPrefix) {
		return false, nil
	}
	acc, err := h.gw.Store.GetAccount(ctx, m.From.Bare(), ParseAccountJID(m.To))
	if err != nil {
		return false, fmt.Errorf("failed to get account: %w", err)
	}
	return acc != nil && acc.WaitingPasswordReply &&
		h.gw.Accounts.SchemaOf(acc).HasField(schema.PasswordField), nil
}

func (h *passwordMessageHandler) Handle(ctx context.Context, m *stanza.Message) ([]stanza.Stanza, error) {
	acc, err := h.gw.Store.GetAccount(ctx, m.From.Bare(), ParseAccountJID(m.To))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	} else if acc == nil {
		return nil, nil
	}
	password := strings.TrimSpace(m.Body)
	if password == "" {
		return nil, ErrBadRequest
	}
	h.gw.Accounts.setSessionPassword(acc, password)
	if acc.StorePassword {
		acc.Password = password
	}
	acc.WaitingPasswordReply = false
	if err = h.gw.Store.UpdateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	text := h.gw.lang(m).Text("password_saved_for_session")
	return []stanza.Stanza{&stanza.Message{
		From:    acc.JID,
		To:      m.From,
		Type:    stanza.MessageNormal,
		Subject: passwordSubjectPrefix + " " + text,
		Body:    text,
	}}, nil
}

// helpMessageHandler answers messages starting with "help".
type helpMessageHandler struct {
	gw *Gateway
}

func (h *helpMessageHandler) Matches(_ context.Context, m *stanza.Message) (bool, error) {
	isHelp := func(s string) bool {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "help")
	}
	return isHelp(m.Body) || isHelp(m.Subject), nil
}

func (h *helpMessageHandler) Handle(_ context.Context, m *stanza.Message) ([]stanza.Stanza, error) {
	lang := h.gw.lang(m)
	return []stanza.Stanza{&stanza.Message{
		From:    m.To,
		To:      m.From,
		Type:    stanza.MessageNormal,
		Subject: lang.Text("help_message_subject"),
		Body:    lang.Text("help_message_body"),
	}}, nil
}
