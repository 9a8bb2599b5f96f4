// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
)

type AccountQuery struct {
	*dbutil.QueryHelper[*Account]
}

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusError   Status = "error"
)

// Account is one bridged legacy account. Password is only persisted when
// StorePassword is set.
type Account struct {
	Owner                stanza.JID
	Name                 string
	JID                  stanza.JID
	Kind                 string
	Enabled              bool
	StorePassword        bool
	WaitingPasswordReply bool
	Password             string
	Status               Status
	Error                string
	LastCheck            time.Time
	Fields               schema.Values
}

// HasError reports whether the account is in the error state.
func (a *Account) HasError() bool {
	return a.Error != ""
}

const (
	getAccountBaseQuery = `
		SELECT owner, name, jid, kind, enabled, store_password, waiting_password_reply,
		       password, status, error, last_check, fields
		FROM account
	`
	getAccountQuery           = getAccountBaseQuery + `WHERE owner=$1 AND name=$2`
	getAccountsByOwnerQuery   = getAccountBaseQuery + `WHERE owner=$1 ORDER BY name`
	getAllAccountsQuery       = getAccountBaseQuery + `ORDER BY owner, name`
	countAccountsByOwnerQuery = `SELECT COUNT(*) FROM account WHERE owner=$1`
	insertAccountQuery        = `
		INSERT INTO account (
			owner, name, jid, kind, enabled, store_password, waiting_password_reply,
			password, status, error, last_check, fields
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	updateAccountQuery = `
		UPDATE account
		SET jid=$3, kind=$4, enabled=$5, store_password=$6, waiting_password_reply=$7,
		    password=$8, status=$9, error=$10, last_check=$11, fields=$12
		WHERE owner=$1 AND name=$2
	`
	deleteAccountQuery         = `DELETE FROM account WHERE owner=$1 AND name=$2`
	deleteAccountsByOwnerQuery = `DELETE FROM account WHERE owner=$1`
)

func (aq *AccountQuery) Get(ctx context.Context, owner stanza.JID, name string) (*Account, error) {
	return aq.QueryOne(ctx, getAccountQuery, owner.Bare().String(), name)
}

func (aq *AccountQuery) GetByOwner(ctx context.Context, owner stanza.JID) ([]*Account, error) {
	return aq.QueryMany(ctx, getAccountsByOwnerQuery, owner.Bare().String())
}

func (aq *AccountQuery) GetAll(ctx context.Context) ([]*Account, error) {
	return aq.QueryMany(ctx, getAllAccountsQuery)
}

func (aq *AccountQuery) CountByOwner(ctx context.Context, owner stanza.JID) (count int, err error) {
	err = aq.GetDB().QueryRow(ctx, countAccountsByOwnerQuery, owner.Bare().String()).Scan(&count)
	return
}

func (aq *AccountQuery) Insert(ctx context.Context, acc *Account) error {
	return aq.Exec(ctx, insertAccountQuery, acc.sqlVariables()...)
}

func (aq *AccountQuery) Update(ctx context.Context, acc *Account) error {
	return aq.Exec(ctx, updateAccountQuery, acc.sqlVariables()...)
}

func (aq *AccountQuery) Delete(ctx context.Context, owner stanza.JID, name string) error {
	return aq.Exec(ctx, deleteAccountQuery, owner.Bare().String(), name)
}

func (aq *AccountQuery) DeleteByOwner(ctx context.Context, owner stanza.JID) error {
	return aq.Exec(ctx, deleteAccountsByOwnerQuery, owner.Bare().String())
}

func (a *Account) Scan(row dbutil.Scannable) (*Account, error) {
	var owner, jid string
	var password, errText *string
	var lastCheck int64
	var rawFields []byte
	err := row.Scan(
		&owner, &a.Name, &jid, &a.Kind, &a.Enabled, &a.StorePassword, &a.WaitingPasswordReply,
		&password, &a.Status, &errText, &lastCheck, &rawFields,
	)
	if err != nil {
		return nil, err
	}
	fields, err := decodeFields(rawFields)
	if err != nil {
		return nil, err
	}
	if a.Owner, err = parseJIDColumn("account.owner", owner); err != nil {
		return nil, err
	}
	if a.JID, err = parseJIDColumn("account.jid", jid); err != nil {
		return nil, err
	}
	a.Password = ptr.Val(password)
	a.Error = ptr.Val(errText)
	if lastCheck != 0 {
		a.LastCheck = time.UnixMilli(lastCheck)
	}
	a.Fields = fields
	return a, nil
}

// decodeFields keeps numbers as json.Number so integers beyond 2^53 survive.
func decodeFields(raw []byte) (schema.Values, error) {
	fields := make(schema.Values)
	if len(bytes.TrimSpace(raw)) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode account.fields: %w", err)
	}
	return fields, nil
}

func (a *Account) sqlVariables() []any {
	var password *string
	if a.StorePassword {
		password = dbutil.StrPtr(a.Password)
	}
	status := a.Status
	if status == "" {
		status = StatusOffline
	}
	var lastCheck int64
	if !a.LastCheck.IsZero() {
		lastCheck = a.LastCheck.UnixMilli()
	}
	fields := a.Fields
	if fields == nil {
		fields = schema.Values{}
	}
	return []any{
		a.Owner.Bare().String(), a.Name, a.JID.Bare().String(), a.Kind, a.Enabled, a.StorePassword,
		a.WaitingPasswordReply, password, status, dbutil.StrPtr(a.Error), lastCheck,
		dbutil.JSON{Data: fields},
	}
}
