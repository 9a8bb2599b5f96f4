// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists gateway users, their accounts and the legacy
// identities bound to those accounts.
package store

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"

	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store/upgrades"
)

type Database struct {
	*dbutil.Database

	User      *UserQuery
	Account   *AccountQuery
	LegacyJID *LegacyJIDQuery
}

// New wraps db and installs the gateway upgrade table. Call Upgrade before use.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database: db,
		User: &UserQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*User]) *User {
				return &User{}
			}),
		},
		Account: &AccountQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*Account]) *Account {
				return &Account{}
			}),
		},
		LegacyJID: &LegacyJIDQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*LegacyJID]) *LegacyJID {
				return &LegacyJID{}
			}),
		},
	}
}

func (db *Database) GetUser(ctx context.Context, jid stanza.JID) (*User, error) {
	return db.User.Get(ctx, jid)
}

// UsersMatching returns every user accepted by pred, ordered by address.
// A nil pred matches all users.
func (db *Database) UsersMatching(ctx context.Context, pred func(*User) bool) ([]*User, error) {
	users, err := db.User.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return users, nil
	}
	filtered := users[:0]
	for _, u := range users {
		if pred(u) {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

// AccountsOf returns the accounts of owner ordered by name.
func (db *Database) AccountsOf(ctx context.Context, owner stanza.JID) ([]*Account, error) {
	return db.Account.GetByOwner(ctx, owner)
}

// AllAccounts returns every account ordered by owner then name.
func (db *Database) AllAccounts(ctx context.Context) ([]*Account, error) {
	return db.Account.GetAll(ctx)
}

func (db *Database) AccountsCount(ctx context.Context, owner stanza.JID) (int, error) {
	return db.Account.CountByOwner(ctx, owner)
}

// GetAccount returns nil without error when the account does not exist.
func (db *Database) GetAccount(ctx context.Context, owner stanza.JID, name string) (*Account, error) {
	return db.Account.Get(ctx, owner, name)
}

// CreateAccount inserts the account, creating its owner if needed.
func (db *Database) CreateAccount(ctx context.Context, acc *Account) error {
	return db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := db.User.Ensure(ctx, acc.Owner); err != nil {
			return err
		}
		return db.Account.Insert(ctx, acc)
	})
}

func (db *Database) UpdateAccount(ctx context.Context, acc *Account) error {
	return db.Account.Update(ctx, acc)
}

// DeleteAccount removes the account and its legacy identities, and the owner
// when it was its last account. It reports whether the owner was removed.
func (db *Database) DeleteAccount(ctx context.Context, owner stanza.JID, name string) (userDeleted bool, err error) {
	err = db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := db.LegacyJID.DeleteByAccount(ctx, owner, name); err != nil {
			return err
		}
		if err := db.Account.Delete(ctx, owner, name); err != nil {
			return err
		}
		remaining, err := db.Account.CountByOwner(ctx, owner)
		if err != nil {
			return err
		}
		if remaining == 0 {
			userDeleted = true
			return db.User.Delete(ctx, owner)
		}
		return nil
	})
	return
}

// DeleteUser removes the user with all of its accounts in one transaction.
func (db *Database) DeleteUser(ctx context.Context, owner stanza.JID) error {
	return db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := db.LegacyJID.DeleteByOwner(ctx, owner); err != nil {
			return err
		}
		if err := db.Account.DeleteByOwner(ctx, owner); err != nil {
			return err
		}
		return db.User.Delete(ctx, owner)
	})
}

// LegacyJIDsOf returns the legacy identities bound to one account.
func (db *Database) LegacyJIDsOf(ctx context.Context, owner stanza.JID, account string) ([]*LegacyJID, error) {
	return db.LegacyJID.GetByAccount(ctx, owner, account)
}

// GetLegacyJID returns the legacy identity of owner addressed as jid, or nil.
func (db *Database) GetLegacyJID(ctx context.Context, owner, jid stanza.JID) (*LegacyJID, error) {
	return db.LegacyJID.GetByJID(ctx, owner, jid)
}

func (db *Database) AddLegacyJID(ctx context.Context, lj *LegacyJID) error {
	return db.LegacyJID.Insert(ctx, lj)
}

func (db *Database) RemoveLegacyJID(ctx context.Context, owner stanza.JID, account, address string) error {
	return db.LegacyJID.Delete(ctx, owner, account, address)
}

func parseJIDColumn(column, value string) (stanza.JID, error) {
	jid, err := stanza.ParseJID(value)
	if err != nil {
		return stanza.JID{}, fmt.Errorf("failed to parse %s column: %w", column, err)
	}
	return jid, nil
}
