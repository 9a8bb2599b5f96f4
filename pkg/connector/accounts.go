// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// PopulateFunc runs once after an account of a kind has been created, e.g.
// to bind the legacy identities it multiplexes.
type PopulateFunc func(ctx context.Context, acc *store.Account) error

type accountKey struct {
	owner string
	name  string
}

func keyOf(acc *store.Account) accountKey {
	return accountKey{owner: acc.Owner.Bare().String(), name: acc.Name}
}

// AccountManager orchestrates registration and owns the per-account error
// bookkeeping. Passwords that are not stored are kept in memory for the
// duration of the owner's session.
type AccountManager struct {
	gw  *Gateway
	log zerolog.Logger

	sessionPasswords *exsync.Map[accountKey, string]

	hooksLock     sync.RWMutex
	populateHooks map[string]PopulateFunc
}

func newAccountManager(gw *Gateway) *AccountManager {
	return &AccountManager{
		gw:               gw,
		log:              gw.Log.With().Str("component", "accounts").Logger(),
		sessionPasswords: exsync.NewMap[accountKey, string](),
		populateHooks:    make(map[string]PopulateFunc),
	}
}

// RegisterPopulateHook binds fn to every account created with the given kind.
func (am *AccountManager) RegisterPopulateHook(kind string, fn PopulateFunc) error {
	if am.gw.Frozen() {
		return ErrRouterFrozen
	}
	s, ok := am.gw.Schemas.Describe(kind)
	if !ok {
		return fmt.Errorf("unknown account kind %q", kind)
	}
	am.hooksLock.Lock()
	am.populateHooks[s.Kind] = fn
	am.hooksLock.Unlock()
	return nil
}

func (am *AccountManager) populateHook(kind string) PopulateFunc {
	am.hooksLock.RLock()
	defer am.hooksLock.RUnlock()
	return am.populateHooks[kind]
}

// SchemaOf returns the schema of the account kind, or the first registered
// schema when the kind is no longer declared.
func (am *AccountManager) SchemaOf(acc *store.Account) *schema.Schema {
	if s, ok := am.gw.Schemas.Describe(acc.Kind); ok {
		return s
	}
	return am.gw.Schemas.Default()
}

// Password returns the stored password of the account, or the one given
// during the current session.
func (am *AccountManager) Password(acc *store.Account) (string, bool) {
	if acc.StorePassword && acc.Password != "" {
		return acc.Password, true
	}
	return am.sessionPasswords.Get(keyOf(acc))
}

func (am *AccountManager) setSessionPassword(acc *store.Account, password string) {
	am.sessionPasswords.Set(keyOf(acc), password)
}

// needsPassword reports whether the account kind has a password field and no
// password is known for the account.
func (am *AccountManager) needsPassword(acc *store.Account) bool {
	if !am.SchemaOf(acc).HasField(schema.PasswordField) {
		return false
	}
	_, ok := am.Password(acc)
	return !ok
}

// forgetSessionPasswords drops the passwords kept for owner's session.
func (am *AccountManager) forgetSessionPasswords(owner stanza.JID) {
	bare := owner.Bare().String()
	for key := range am.sessionPasswords.CopyData() {
		if key.owner == bare {
			am.sessionPasswords.Delete(key)
		}
	}
}

// SendError records err on the account and notifies its owner with an error
// message and a dnd presence. Repeats of the error already recorded are
// persisted nowhere and notify nobody.
func (am *AccountManager) SendError(ctx context.Context, acc *store.Account, err error) []stanza.Stanza {
	text := err.Error()
	if acc.Status == store.StatusError && acc.Error == text {
		return nil
	}
	am.log.Warn().
		Stringer("owner", acc.Owner).
		Str("account", acc.Name).
		Str("error", text).
		Msg("Account entered error state")
	acc.Status = store.StatusError
	acc.Error = text
	if uerr := am.gw.Store.UpdateAccount(ctx, acc); uerr != nil {
		am.log.Err(uerr).Str("account", acc.Name).Msg("Failed to save account error")
	}
	lang := am.gw.Langs.Default()
	return []stanza.Stanza{
		&stanza.Message{
			From:    acc.JID,
			To:      acc.Owner,
			Type:    stanza.MessageError,
			Subject: lang.Text("error_subject"),
			Body:    lang.Format("error_body", text),
		},
		&stanza.Presence{
			From:   acc.JID,
			To:     acc.Owner,
			Show:   stanza.ShowDND,
			Status: text,
		},
	}
}

// CancelError clears a recorded error and announces the account online again.
func (am *AccountManager) CancelError(ctx context.Context, acc *store.Account) []stanza.Stanza {
	if !acc.HasError() {
		return nil
	}
	acc.Status = store.StatusOnline
	acc.Error = ""
	if err := am.gw.Store.UpdateAccount(ctx, acc); err != nil {
		am.log.Err(err).Str("account", acc.Name).Msg("Failed to clear account error")
	}
	return []stanza.Stanza{&stanza.Presence{From: acc.JID, To: acc.Owner}}
}

// presenceOf returns the availability presence of an account addressed to
// to, dnd with the error text while the account is in error.
func presenceOf(acc *store.Account, to stanza.JID, typ stanza.PresenceType) *stanza.Presence {
	p := &stanza.Presence{From: acc.JID, To: to, Type: typ}
	if typ == stanza.PresenceAvailable && acc.HasError() {
		p.Show = stanza.ShowDND
		p.Status = acc.Error
	}
	return p
}
