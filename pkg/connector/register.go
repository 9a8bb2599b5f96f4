// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// schemaFor picks the schema addressed by a registration sent to the
// component: the kind in the resource when several kinds exist, otherwise
// the first registered kind.
func (am *AccountManager) schemaFor(to stanza.JID) (*schema.Schema, error) {
	reg := am.gw.Schemas
	if to.Resource != "" && reg.Multiple() {
		s, ok := reg.Describe(to.Resource)
		if !ok {
			return nil, ErrNodeNotFound
		}
		return s, nil
	}
	return reg.Default(), nil
}

// recordOf is the form-facing view of a stored account.
func recordOf(acc *store.Account, s *schema.Schema) *schema.Record {
	values := make(schema.Values, len(acc.Fields)+2)
	maps.Copy(values, acc.Fields)
	if s.HasField(schema.StorePasswordField) {
		values[schema.StorePasswordField] = acc.StorePassword
	}
	if s.HasField(schema.PasswordField) && acc.StorePassword && acc.Password != "" {
		values[schema.PasswordField] = acc.Password
	}
	return &schema.Record{Name: acc.Name, Values: values}
}

// applyRecord copies submitted values onto the account. The password and
// store_password fields map to account columns; an empty password keeps the
// current one.
func (am *AccountManager) applyRecord(acc *store.Account, s *schema.Schema, rec *schema.Record) {
	fields := make(schema.Values, len(rec.Values))
	for name, value := range rec.Values {
		if name != schema.PasswordField && name != schema.StorePasswordField {
			fields[name] = value
		}
	}
	acc.Fields = fields
	if s.HasField(schema.StorePasswordField) {
		if keep, ok := rec.Values.Bool(schema.StorePasswordField); ok {
			acc.StorePassword = keep
		}
	}
	if password := rec.Values.String(schema.PasswordField); password != "" {
		acc.Password = password
	}
	if !acc.StorePassword && acc.Password != "" {
		am.setSessionPassword(acc, acc.Password)
		acc.Password = ""
	}
}

// HandleRegisterGet returns the registration form: a creation form at the
// component or for an unknown account, an update form for an existing one.
func (am *AccountManager) HandleRegisterGet(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	lang := am.gw.lang(iq)
	owner := iq.From.Bare()
	var acc *store.Account
	if iq.To.Local != "" {
		name := ParseAccountJID(iq.To)
		if name == "" {
			return nil, ErrNodeNotFound
		}
		var err error
		acc, err = am.gw.Store.GetAccount(ctx, owner, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get account: %w", err)
		}
		if acc != nil {
			s := am.SchemaOf(acc)
			form := schema.ToForm(s, recordOf(acc, s), lang)
			form.Title = lang.Text("update_title")
			form.Instructions = lang.Format("update_instructions", acc.Name)
			return []stanza.Stanza{iq.Result(&stanza.Register{
				Instructions: form.Instructions,
				Registered:   true,
				Form:         form,
			})}, nil
		}
	}
	s, err := am.schemaFor(iq.To)
	if err != nil {
		return nil, err
	}
	form := schema.ToForm(s, nil, lang)
	if name := ParseAccountJID(iq.To); name != "" {
		form.Set(schema.NameField, name)
	}
	form.Title = lang.Text("register_title")
	form.Instructions = lang.Text("register_instructions")
	return []stanza.Stanza{iq.Result(&stanza.Register{
		Instructions: form.Instructions,
		Form:         form,
	})}, nil
}

// HandleRegisterSet creates, updates or removes accounts.
func (am *AccountManager) HandleRegisterSet(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	req, ok := iq.Payload.(*stanza.Register)
	if !ok {
		return nil, ErrBadRequest
	}
	if req.Remove {
		return am.remove(ctx, iq)
	}
	if req.Form == nil {
		return nil, ErrBadRequest
	}
	lang := am.gw.lang(iq)
	owner := iq.From.Bare()
	form := req.Form
	if iq.To.Local != "" {
		name := ParseAccountJID(iq.To)
		if name == "" {
			return nil, ErrNodeNotFound
		}
		form.Set(schema.NameField, name)
	}

	var existing *store.Account
	if name, _ := form.Value(schema.NameField); name != "" {
		var err error
		existing, err = am.gw.Store.GetAccount(ctx, owner, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get account: %w", err)
		}
	}
	var s *schema.Schema
	if existing != nil {
		s = am.SchemaOf(existing)
	} else {
		var err error
		if s, err = am.schemaFor(iq.To); err != nil {
			return nil, err
		}
	}
	rec, err := schema.FromForm(s, form)
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return nil, validationError(lang, verr)
	} else if err != nil {
		return nil, err
	}
	if existing != nil {
		return am.update(ctx, iq, existing, s, rec)
	}
	return am.create(ctx, iq, s, rec)
}

func (am *AccountManager) create(ctx context.Context, iq *stanza.IQ, s *schema.Schema, rec *schema.Record) ([]stanza.Stanza, error) {
	lang := am.gw.lang(iq)
	owner := iq.From.Bare()
	count, err := am.gw.Store.AccountsCount(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	jid := MakeAccountJID(am.gw.JID, rec.Name)
	if parsed, err := stanza.ParseJID(jid.String()); err != nil || !parsed.Equal(jid) || ParseAccountJID(parsed) != rec.Name {
		return nil, validationError(lang, &schema.ValidationError{Field: schema.NameField, Reason: schema.ReasonInvalidName, Value: rec.Name})
	}
	acc := &store.Account{
		Owner:         owner,
		Name:          rec.Name,
		JID:           jid,
		Kind:          s.Kind,
		Enabled:       true,
		StorePassword: true,
		Status:        store.StatusOffline,
	}
	am.applyRecord(acc, s, rec)
	if err = am.gw.Store.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	am.log.Info().
		Stringer("owner", owner).
		Str("account", acc.Name).
		Str("kind", acc.Kind).
		Msg("Account created")

	out := []stanza.Stanza{iq.Result(nil)}
	if count == 0 {
		out = append(out, &stanza.Presence{From: am.gw.JID, To: owner, Type: stanza.PresenceSubscribe})
		am.gw.Presence.setSubscription(owner, am.gw.JID, SubscriptionPending)
		if welcome := am.gw.Settings.WelcomeMessage(); welcome != "" {
			out = append(out, &stanza.Message{
				From:    am.gw.JID,
				To:      iq.From,
				Type:    stanza.MessageNormal,
				Subject: lang.Text("welcome_message_subject"),
				Body:    welcome,
			})
		}
	}
	out = append(out,
		&stanza.Message{
			From:    am.gw.JID,
			To:      iq.From,
			Type:    stanza.MessageNormal,
			Subject: lang.Format("new_account_message_subject", acc.Name),
			Body:    lang.Text("new_account_message_body"),
		},
		&stanza.Presence{From: acc.JID, To: owner, Type: stanza.PresenceSubscribe},
	)
	am.gw.Presence.setSubscription(owner, acc.JID, SubscriptionPending)

	if hook := am.populateHook(acc.Kind); hook != nil {
		if err = hook(ctx, acc); err != nil {
			out = append(out, am.SendError(ctx, acc, err)...)
		}
	}
	return out, nil
}

func (am *AccountManager) update(ctx context.Context, iq *stanza.IQ, acc *store.Account, s *schema.Schema, rec *schema.Record) ([]stanza.Stanza, error) {
	lang := am.gw.lang(iq)
	am.applyRecord(acc, s, rec)
	if err := am.gw.Store.UpdateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	am.log.Info().Stringer("owner", acc.Owner).Str("account", acc.Name).Msg("Account updated")
	result := iq.Result(nil)
	result.From = acc.JID
	return []stanza.Stanza{
		result,
		&stanza.Message{
			From:    am.gw.JID,
			To:      iq.From,
			Type:    stanza.MessageNormal,
			Subject: lang.Format("update_account_message_subject", acc.Name),
			Body:    lang.Text("update_account_message_body"),
		},
	}, nil
}

// remove unregisters the user when sent to the component, or a single
// account when sent to its address.
func (am *AccountManager) remove(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error) {
	if am.gw.isComponent(iq.To) {
		return am.gw.Presence.UnsubscribeAll(ctx, iq.From)
	}
	name := ParseAccountJID(iq.To)
	if name == "" {
		return nil, ErrNodeNotFound
	}
	owner := iq.From.Bare()
	acc, err := am.gw.Store.GetAccount(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	} else if acc == nil {
		return nil, ErrNodeNotFound
	}
	if _, err = am.gw.Store.DeleteAccount(ctx, owner, name); err != nil {
		return nil, fmt.Errorf("failed to delete account: %w", err)
	}
	am.sessionPasswords.Delete(keyOf(acc))
	am.gw.Presence.forget(owner, acc.JID)
	am.log.Info().Stringer("owner", owner).Str("account", name).Msg("Account removed")
	return []stanza.Stanza{
		iq.Result(nil),
		&stanza.Presence{From: acc.JID, To: owner, Type: stanza.PresenceUnsubscribe},
		&stanza.Presence{From: acc.JID, To: owner, Type: stanza.PresenceUnsubscribed},
	}, nil
}
