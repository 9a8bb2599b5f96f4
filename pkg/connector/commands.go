// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/exsync"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/dataform"
	"github.com/thfree/jcl/pkg/stanza"
)

// Command is one ad-hoc command offered by the component.
type Command struct {
	// Node is the command node advertised in disco.
	Node string
	// Name suffixes the "command_" translation key of the label.
	Name string
	// Pattern optionally matches further nodes routed to this command.
	Pattern   *regexp.Regexp
	AdminOnly bool
	// Allowed further restricts who may run the command.
	Allowed func(ctx context.Context, requester stanza.JID) bool
	// Form returns the parameters form. Commands without one run on the
	// first request.
	Form    func(ctx context.Context, req *CommandRequest) (*dataform.Form, error)
	Execute func(ctx context.Context, req *CommandRequest) (*CommandResult, error)
}

func (c *Command) Matches(node string) bool {
	return c.Node == node || c.Pattern != nil && c.Pattern.MatchString(node)
}

type CommandRequest struct {
	Requester stanza.JID
	Node      string
	SessionID string
	// Form is the submitted parameters form, nil on the first request.
	Form *dataform.Form
	Lang *Lang
}

// Value returns the submitted value of a form field, "" when absent.
func (r *CommandRequest) Value(name string) string {
	v, _ := r.Form.Value(name)
	return v
}

type CommandResult struct {
	Form  *dataform.Form
	Notes []stanza.Note
	// Stanzas are sent after the command result.
	Stanzas []stanza.Stanza
}

// commandSessionTTL bounds how long a parameters form stays answerable.
const commandSessionTTL = 10 * time.Minute

// PendingCommand is a command waiting for its parameters form.
type PendingCommand struct {
	ID        string
	Node      string
	Requester stanza.JID
	Created   time.Time
}

// CommandRegistry holds the commands in registration order. It is closed to
// registration once the gateway is frozen.
type CommandRegistry struct {
	gw       *Gateway
	commands []*Command
	frozen   atomic.Bool
	sessions *exsync.Map[string, *PendingCommand]
}

func newCommandRegistry(gw *Gateway) *CommandRegistry {
	return &CommandRegistry{
		gw:       gw,
		sessions: exsync.NewMap[string, *PendingCommand](),
	}
}

func (cr *CommandRegistry) Register(cmd *Command) error {
	if cr.frozen.Load() {
		return ErrRouterFrozen
	}
	if cmd.Node == "" || cmd.Execute == nil {
		return errors.New("command needs a node and an execute function")
	}
	if cr.Lookup(cmd.Node) != nil {
		return fmt.Errorf("command %q already registered", cmd.Node)
	}
	cr.commands = append(cr.commands, cmd)
	return nil
}

func (cr *CommandRegistry) freeze() {
	cr.frozen.Store(true)
}

func (cr *CommandRegistry) Lookup(node string) *Command {
	for _, cmd := range cr.commands {
		if cmd.Matches(node) {
			return cmd
		}
	}
	return nil
}

func (cr *CommandRegistry) Allowed(ctx context.Context, cmd *Command, requester stanza.JID) bool {
	if cmd.AdminOnly && !cr.gw.Settings.IsAdmin(requester) {
		return false
	}
	return cmd.Allowed == nil || cmd.Allowed(ctx, requester)
}

// Permitted lists the commands requester may run, in registration order.
func (cr *CommandRegistry) Permitted(ctx context.Context, requester stanza.JID) []*Command {
	var permitted []*Command
	for _, cmd := range cr.commands {
		if cr.Allowed(ctx, cmd, requester) {
			permitted = append(permitted, cmd)
		}
	}
	return permitted
}

// HandleCommand runs one step of a command execution.
func (cr *CommandRegistry) HandleCommand(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	req, ok := iq.Payload.(*stanza.Command)
	if !ok {
		return nil, ErrBadRequest
	}
	cmd := cr.Lookup(req.Node)
	if cmd == nil {
		return nil, ErrNodeNotFound
	}
	if !cr.Allowed(ctx, cmd, iq.From) {
		return nil, ErrForbidden
	}
	lang := cr.gw.lang(iq)
	creq := &CommandRequest{
		Requester: iq.From,
		Node:      req.Node,
		SessionID: req.SessionID,
		Form:      req.Form,
		Lang:      lang,
	}
	if req.SessionID != "" {
		pending, ok := cr.sessions.Get(req.SessionID)
		if ok && time.Since(pending.Created) > commandSessionTTL {
			cr.sessions.Delete(req.SessionID)
			ok = false
		}
		if !ok || !pending.Requester.Equal(iq.From) || pending.Node != req.Node {
			return nil, stanza.NewError(stanza.CondBadRequest, lang.Text("command_session_not_found"))
		}
	}
	if req.Action == stanza.ActionCancel {
		cr.sessions.Delete(req.SessionID)
		return []stanza.Stanza{iq.Result(&stanza.Command{
			Node:      req.Node,
			SessionID: req.SessionID,
			Status:    stanza.CommandCanceled,
		})}, nil
	}
	if cmd.Form != nil && req.Form == nil {
		form, err := cmd.Form(ctx, creq)
		if err != nil {
			return nil, err
		}
		pending := &PendingCommand{
			ID:        uuid.NewString(),
			Node:      req.Node,
			Requester: iq.From,
			Created:   time.Now(),
		}
		cr.pruneSessions(pending.Created)
		cr.sessions.Set(pending.ID, pending)
		return []stanza.Stanza{iq.Result(&stanza.Command{
			Node:      req.Node,
			SessionID: pending.ID,
			Status:    stanza.CommandExecuting,
			Actions:   []stanza.CommandAction{stanza.ActionComplete},
			Form:      form,
		})}, nil
	}
	res, err := cmd.Execute(ctx, creq)
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return nil, validationError(lang, verr)
	} else if err != nil {
		return nil, err
	}
	cr.sessions.Delete(req.SessionID)
	out := []stanza.Stanza{iq.Result(&stanza.Command{
		Node:      req.Node,
		SessionID: req.SessionID,
		Status:    stanza.CommandCompleted,
		Notes:     res.Notes,
		Form:      res.Form,
	})}
	return append(out, res.Stanzas...), nil
}

func commandLabel(lang *Lang, cmd *Command) string {
	if l, ok := lang.Lookup("command_" + cmd.Name); ok {
		return l
	}
	return cmd.Name
}

// pruneSessions drops the sessions abandoned for longer than the TTL.
func (cr *CommandRegistry) pruneSessions(now time.Time) {
	for id, pending := range cr.sessions.CopyData() {
		if now.Sub(pending.Created) > commandSessionTTL {
			cr.sessions.Delete(id)
		}
	}
}
