// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"

	"go.mau.fi/util/dbutil"

	"github.com/thfree/jcl/pkg/stanza"
)

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

// User is an owner of accounts, keyed by bare address.
type User struct {
	JID stanza.JID
}

const (
	getUserQuery     = `SELECT jid FROM gateway_user WHERE jid=$1`
	getAllUsersQuery = `SELECT jid FROM gateway_user ORDER BY jid`
	ensureUserQuery  = `INSERT INTO gateway_user (jid) VALUES ($1) ON CONFLICT (jid) DO NOTHING`
	deleteUserQuery  = `DELETE FROM gateway_user WHERE jid=$1`
)

func (uq *UserQuery) Get(ctx context.Context, jid stanza.JID) (*User, error) {
	return uq.QueryOne(ctx, getUserQuery, jid.Bare().String())
}

func (uq *UserQuery) GetAll(ctx context.Context) ([]*User, error) {
	return uq.QueryMany(ctx, getAllUsersQuery)
}

func (uq *UserQuery) Ensure(ctx context.Context, jid stanza.JID) error {
	return uq.Exec(ctx, ensureUserQuery, jid.Bare().String())
}

func (uq *UserQuery) Delete(ctx context.Context, jid stanza.JID) error {
	return uq.Exec(ctx, deleteUserQuery, jid.Bare().String())
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var jid string
	if err := row.Scan(&jid); err != nil {
		return nil, err
	}
	parsed, err := parseJIDColumn("gateway_user.jid", jid)
	if err != nil {
		return nil, err
	}
	u.JID = parsed
	return u, nil
}
