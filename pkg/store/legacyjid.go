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

type LegacyJIDQuery struct {
	*dbutil.QueryHelper[*LegacyJID]
}

// LegacyJID is an external contact multiplexed through one account and
// addressed under the component domain.
type LegacyJID struct {
	Owner       stanza.JID
	AccountName string
	Address     string
	JID         stanza.JID
}

const (
	getLegacyJIDBaseQuery = `
		SELECT owner, account_name, legacy_address, jid FROM legacy_jid
	`
	getLegacyJIDsByAccountQuery = getLegacyJIDBaseQuery + `WHERE owner=$1 AND account_name=$2 ORDER BY legacy_address`
	getLegacyJIDByJIDQuery      = getLegacyJIDBaseQuery + `WHERE owner=$1 AND jid=$2`
	insertLegacyJIDQuery        = `
		INSERT INTO legacy_jid (owner, account_name, legacy_address, jid) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, account_name, legacy_address) DO UPDATE SET jid=excluded.jid
	`
	deleteLegacyJIDQuery           = `DELETE FROM legacy_jid WHERE owner=$1 AND account_name=$2 AND legacy_address=$3`
	deleteLegacyJIDsByAccountQuery = `DELETE FROM legacy_jid WHERE owner=$1 AND account_name=$2`
	deleteLegacyJIDsByOwnerQuery   = `DELETE FROM legacy_jid WHERE owner=$1`
)

func (lq *LegacyJIDQuery) GetByAccount(ctx context.Context, owner stanza.JID, account string) ([]*LegacyJID, error) {
	return lq.QueryMany(ctx, getLegacyJIDsByAccountQuery, owner.Bare().String(), account)
}

func (lq *LegacyJIDQuery) GetByJID(ctx context.Context, owner, jid stanza.JID) (*LegacyJID, error) {
	return lq.QueryOne(ctx, getLegacyJIDByJIDQuery, owner.Bare().String(), jid.Bare().String())
}

func (lq *LegacyJIDQuery) Insert(ctx context.Context, lj *LegacyJID) error {
	return lq.Exec(ctx, insertLegacyJIDQuery, lj.Owner.Bare().String(), lj.AccountName, lj.Address, lj.JID.Bare().String())
}

func (lq *LegacyJIDQuery) Delete(ctx context.Context, owner stanza.JID, account, address string) error {
	return lq.Exec(ctx, deleteLegacyJIDQuery, owner.Bare().String(), account, address)
}

func (lq *LegacyJIDQuery) DeleteByAccount(ctx context.Context, owner stanza.JID, account string) error {
	return lq.Exec(ctx, deleteLegacyJIDsByAccountQuery, owner.Bare().String(), account)
}

func (lq *LegacyJIDQuery) DeleteByOwner(ctx context.Context, owner stanza.JID) error {
	return lq.Exec(ctx, deleteLegacyJIDsByOwnerQuery, owner.Bare().String())
}

func (lj *LegacyJID) Scan(row dbutil.Scannable) (*LegacyJID, error) {
	var owner, jid string
	if err := row.Scan(&owner, &lj.AccountName, &lj.Address, &jid); err != nil {
		return nil, err
	}
	var err error
	if lj.Owner, err = parseJIDColumn("legacy_jid.owner", owner); err != nil {
		return nil, err
	}
	if lj.JID, err = parseJIDColumn("legacy_jid.jid", jid); err != nil {
		return nil, err
	}
	return lj, nil
}
