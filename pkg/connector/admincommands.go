// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/dataform"
	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// NSAdmin is the service administration namespace of the admin commands.
const NSAdmin = "http://jabber.org/protocol/admin"

func adminNode(name string) string {
	return NSAdmin + "#" + name
}

func registerAdminCommands(cr *CommandRegistry) error {
	g := cr.gw
	commands := []*Command{{
		Node:    "list",
		Name:    "list",
		Allowed: g.isRegistered,
		Execute: g.executeList,
	}, {
		Node:      adminNode("get-registered-users-num"),
		Name:      "get-registered-users-num",
		AdminOnly: true,
		Execute:   g.countCommand("registeredusersnum", g.registeredUsers),
	}, {
		Node:      adminNode("get-disabled-users-num"),
		Name:      "get-disabled-users-num",
		AdminOnly: true,
		Execute:   g.countCommand("disabledusersnum", g.usersWithAccount(accountDisabled)),
	}, {
		Node:      adminNode("get-online-users-num"),
		Name:      "get-online-users-num",
		AdminOnly: true,
		Execute:   g.countCommand("onlineusersnum", g.usersWithAccount(accountOnline)),
	}, {
		Node:      adminNode("get-registered-users-list"),
		Name:      "get-registered-users-list",
		AdminOnly: true,
		Execute:   g.listCommand("registereduserjids", g.registeredUsers),
	}, {
		Node:      adminNode("get-disabled-users-list"),
		Name:      "get-disabled-users-list",
		AdminOnly: true,
		Execute:   g.listCommand("disableduserjids", g.usersWithAccount(accountDisabled)),
	}, {
		Node:      adminNode("get-online-users-list"),
		Name:      "get-online-users-list",
		AdminOnly: true,
		Execute:   g.listCommand("onlineuserjids", g.usersWithAccount(accountOnline)),
	}, {
		Node:      adminNode("announce"),
		Name:      "announce",
		AdminOnly: true,
		Form:      textForm("announcement", nil),
		Execute:   g.executeAnnounce,
	}, {
		Node:      adminNode("set-motd"),
		Name:      "set-motd",
		AdminOnly: true,
		Form:      textForm("motd", nil),
		Execute:   g.settingCommand("motd", g.Settings.SetMOTD),
	}, {
		Node:      adminNode("edit-motd"),
		Name:      "edit-motd",
		AdminOnly: true,
		Form:      textForm("motd", g.Settings.MOTD),
		Execute:   g.settingCommand("motd", g.Settings.SetMOTD),
	}, {
		Node:      adminNode("delete-motd"),
		Name:      "delete-motd",
		AdminOnly: true,
		Execute:   g.simpleCommand(g.Settings.DeleteMOTD),
	}, {
		Node:      adminNode("set-welcome"),
		Name:      "set-welcome",
		AdminOnly: true,
		Form:      textForm("welcome", g.Settings.WelcomeMessage),
		Execute:   g.settingCommand("welcome", g.Settings.SetWelcomeMessage),
	}, {
		Node:      adminNode("delete-welcome"),
		Name:      "delete-welcome",
		AdminOnly: true,
		Execute:   g.simpleCommand(g.Settings.DeleteWelcomeMessage),
	}, {
		Node:      adminNode("edit-admin"),
		Name:      "edit-admin",
		AdminOnly: true,
		Form:      g.adminsForm,
		Execute:   g.executeEditAdmin,
	}, {
		Node:      adminNode("restart"),
		Name:      "restart",
		AdminOnly: true,
		Execute:   g.simpleCommand(func() error { return runHook(g.OnRestart) }),
	}, {
		Node:      adminNode("shutdown"),
		Name:      "shutdown",
		AdminOnly: true,
		Execute:   g.simpleCommand(func() error { return runHook(g.OnShutdown) }),
	}}
	for _, cmd := range commands {
		if err := cr.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func accountDisabled(acc *store.Account) bool {
	return !acc.Enabled
}

func accountOnline(acc *store.Account) bool {
	return acc.Status == store.StatusOnline
}

func runHook(fn func()) error {
	if fn == nil {
		return stanza.NewError(stanza.CondFeatureNotImplemented, "")
	}
	fn()
	return nil
}

func (g *Gateway) isRegistered(ctx context.Context, requester stanza.JID) bool {
	user, err := g.Store.GetUser(ctx, requester)
	if err != nil {
		g.Log.Err(err).Stringer("requester", requester).Msg("Failed to get user")
		return false
	}
	return user != nil
}

func resultForm(fields ...dataform.Field) *dataform.Form {
	form := dataform.New(dataform.TypeResult, "", "")
	for _, f := range fields {
		form.Add(f)
	}
	return form.SetFormType(NSAdmin)
}

func doneResult(lang *Lang) *CommandResult {
	return &CommandResult{Notes: []stanza.Note{{Type: "info", Text: lang.Text("command_done")}}}
}

func (g *Gateway) executeList(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
	accounts, err := g.Store.AccountsOf(ctx, req.Requester.Bare())
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	lines := make([]string, len(accounts))
	for i, acc := range accounts {
		lines[i] = fmt.Sprintf("%s (%s)", acc.Name, acc.Kind)
	}
	return &CommandResult{Form: resultForm(dataform.Field{
		Var:    "accounts",
		Type:   dataform.FieldTextMulti,
		Label:  req.Lang.Text("field_accounts"),
		Values: lines,
	})}, nil
}

type userLister func(ctx context.Context) ([]string, error)

func (g *Gateway) registeredUsers(ctx context.Context) ([]string, error) {
	users, err := g.Store.UsersMatching(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	jids := make([]string, len(users))
	for i, u := range users {
		jids[i] = u.JID.String()
	}
	return jids, nil
}

// usersWithAccount lists the owners of at least one account accepted by pred.
func (g *Gateway) usersWithAccount(pred func(*store.Account) bool) userLister {
	return func(ctx context.Context) ([]string, error) {
		accounts, err := g.Store.AllAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		var jids []string
		for _, acc := range accounts {
			owner := acc.Owner.String()
			if pred(acc) && (len(jids) == 0 || jids[len(jids)-1] != owner) {
				jids = append(jids, owner)
			}
		}
		return jids, nil
	}
}

func (g *Gateway) countCommand(field string, list userLister) func(context.Context, *CommandRequest) (*CommandResult, error) {
	return func(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
		jids, err := list(ctx)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Form: resultForm(dataform.Field{
			Var:    field,
			Label:  req.Lang.Text("field_" + field),
			Values: []string{strconv.Itoa(len(jids))},
		})}, nil
	}
}

func (g *Gateway) listCommand(field string, list userLister) func(context.Context, *CommandRequest) (*CommandResult, error) {
	return func(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
		jids, err := list(ctx)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Form: resultForm(dataform.Field{
			Var:    field,
			Type:   dataform.FieldJIDMulti,
			Label:  req.Lang.Text("field_" + field),
			Values: jids,
		})}, nil
	}
}

// textForm builds a one-field text-multi parameters form, pre-filled by
// current when given.
func textForm(field string, current func() string) func(context.Context, *CommandRequest) (*dataform.Form, error) {
	return func(_ context.Context, req *CommandRequest) (*dataform.Form, error) {
		f := dataform.Field{
			Var:      field,
			Type:     dataform.FieldTextMulti,
			Label:    req.Lang.Text("field_" + field),
			Required: true,
		}
		if current != nil {
			if v := current(); v != "" {
				f.Values = strings.Split(v, "\n")
			}
		}
		return dataform.New(dataform.TypeForm, req.Lang.Text("field_"+field), "").
			Add(f).
			SetFormType(NSAdmin), nil
	}
}

func multiValue(form *dataform.Form, field string) (string, error) {
	f := form.Field(field)
	if f == nil {
		return "", &schema.ValidationError{Field: field, Reason: schema.ReasonMandatory}
	}
	text := strings.TrimSpace(strings.Join(f.Values, "\n"))
	if text == "" {
		return "", &schema.ValidationError{Field: field, Reason: schema.ReasonMandatory}
	}
	return text, nil
}

func (g *Gateway) settingCommand(field string, set func(string) error) func(context.Context, *CommandRequest) (*CommandResult, error) {
	return func(_ context.Context, req *CommandRequest) (*CommandResult, error) {
		text, err := multiValue(req.Form, field)
		if err != nil {
			return nil, err
		}
		if err = set(text); err != nil {
			return nil, fmt.Errorf("failed to save %s: %w", field, err)
		}
		return doneResult(req.Lang), nil
	}
}

func (g *Gateway) simpleCommand(fn func() error) func(context.Context, *CommandRequest) (*CommandResult, error) {
	return func(_ context.Context, req *CommandRequest) (*CommandResult, error) {
		if err := fn(); err != nil {
			return nil, err
		}
		return doneResult(req.Lang), nil
	}
}

func (g *Gateway) executeAnnounce(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
	text, err := multiValue(req.Form, "announcement")
	if err != nil {
		return nil, err
	}
	users, err := g.Store.UsersMatching(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	res := doneResult(req.Lang)
	for _, u := range users {
		res.Stanzas = append(res.Stanzas, &stanza.Message{
			From:    g.JID,
			To:      u.JID,
			Type:    stanza.MessageHeadline,
			Subject: req.Lang.Text("announce_subject"),
			Body:    text,
		})
	}
	return res, nil
}

func (g *Gateway) adminsForm(_ context.Context, req *CommandRequest) (*dataform.Form, error) {
	return dataform.New(dataform.TypeForm, req.Lang.Text("command_edit-admin"), "").
		Add(dataform.Field{
			Var:    "adminjids",
			Type:   dataform.FieldJIDMulti,
			Label:  req.Lang.Text("field_adminjids"),
			Values: g.Settings.Admins(),
		}).
		SetFormType(NSAdmin), nil
}

func (g *Gateway) executeEditAdmin(_ context.Context, req *CommandRequest) (*CommandResult, error) {
	var admins []string
	if f := req.Form.Field("adminjids"); f != nil {
		for _, v := range f.Values {
			jid, err := stanza.ParseJID(strings.TrimSpace(v))
			if err != nil {
				return nil, &schema.ValidationError{Field: "adminjids", Reason: schema.ReasonInvalidType, Value: v}
			}
			admins = append(admins, strings.ToLower(jid.Bare().String()))
		}
	}
	if err := g.Settings.SetAdmins(admins); err != nil {
		return nil, fmt.Errorf("failed to save admins: %w", err)
	}
	return doneResult(req.Lang), nil
}
