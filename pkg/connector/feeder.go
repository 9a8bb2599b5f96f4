// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// Item is one piece of data fetched from a legacy account.
type Item struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Feeder polls a legacy account. The account passed in carries the session
// password when the password is not stored.
type Feeder interface {
	Feed(ctx context.Context, acc *store.Account) ([]Item, error)
}

// Sender turns a fetched item into the stanza delivered to the account owner.
type Sender interface {
	Send(acc *store.Account, item Item) stanza.Stanza
}

// MessageSender delivers items as normal messages from the account.
type MessageSender struct{}

func (MessageSender) Send(acc *store.Account, item Item) stanza.Stanza {
	return &stanza.Message{
		From:    acc.JID,
		To:      acc.Owner,
		Type:    stanza.MessageNormal,
		Subject: item.Subject,
		Body:    item.Body,
	}
}

// HeadlineSender delivers items as headlines from the account.
type HeadlineSender struct{}

func (HeadlineSender) Send(acc *store.Account, item Item) stanza.Stanza {
	return &stanza.Message{
		From:    acc.JID,
		To:      acc.Owner,
		Type:    stanza.MessageHeadline,
		Subject: item.Subject,
		Body:    item.Body,
	}
}

type feederBinding struct {
	feeder Feeder
	sender Sender
}

// RegisterFeeder binds the poller and the delivery of an account kind.
func (g *Gateway) RegisterFeeder(kind string, f Feeder, s Sender) error {
	if g.Frozen() {
		return ErrRouterFrozen
	}
	sch, ok := g.Schemas.Describe(kind)
	if !ok {
		return fmt.Errorf("unknown account kind %q", kind)
	}
	if s == nil {
		s = MessageSender{}
	}
	g.feeders[sch.Kind] = feederBinding{feeder: f, sender: s}
	return nil
}

// checkInterval is the polling period of an account: its own interval field
// in time units when set, the configured check interval otherwise.
func (g *Gateway) checkInterval(acc *store.Account) time.Duration {
	if n, ok := acc.Fields.Int("interval"); ok && n > 0 {
		return time.Duration(n) * g.Config.Runtime.TimeUnit
	}
	return g.Config.CheckInterval()
}

// Tick polls every enabled account whose check interval elapsed, in owner
// then name order. A failing account goes through SendError and does not
// stop the others; failures to persist are aggregated in the returned error.
func (g *Gateway) Tick(ctx context.Context) ([]stanza.Stanza, error) {
	accounts, err := g.Store.AllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	now := time.Now()
	var out []stanza.Stanza
	var errs *multierror.Error
	for _, acc := range accounts {
		binding, ok := g.feeders[acc.Kind]
		if !ok || !acc.Enabled {
			continue
		}
		if !acc.LastCheck.IsZero() && now.Sub(acc.LastCheck) < g.checkInterval(acc) {
			continue
		}
		password, known := g.Accounts.Password(acc)
		if g.Accounts.needsPassword(acc) {
			continue
		}
		feedAcc := *acc
		if known {
			feedAcc.Password = password
		}
		items, ferr := binding.feeder.Feed(ctx, &feedAcc)
		acc.LastCheck = now
		if ferr != nil {
			g.Log.Debug().Err(ferr).Str("account", acc.Name).Msg("Feed failed")
			out = append(out, g.Accounts.SendError(ctx, acc, ferr)...)
		} else {
			out = append(out, g.Accounts.CancelError(ctx, acc)...)
			for _, item := range items {
				out = append(out, binding.sender.Send(acc, item))
			}
		}
		if err = g.Store.UpdateAccount(ctx, acc); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to save account %s of %s: %w", acc.Name, acc.Owner, err))
		}
	}
	return out, errs.ErrorOrNil()
}

// QueueFeeder is an in-memory feeder returning the items pushed for each
// account since the previous poll.
type QueueFeeder struct {
	mu    sync.Mutex
	items map[accountKey][]Item
}

var _ Feeder = (*QueueFeeder)(nil)

func NewQueueFeeder() *QueueFeeder {
	return &QueueFeeder{items: make(map[accountKey][]Item)}
}

func (q *QueueFeeder) Push(owner stanza.JID, account string, item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := accountKey{owner: owner.Bare().String(), name: account}
	q.items[key] = append(q.items[key], item)
}

// Pending returns the number of items waiting for the account.
func (q *QueueFeeder) Pending(owner stanza.JID, account string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[accountKey{owner: owner.Bare().String(), name: account}])
}

func (q *QueueFeeder) Feed(_ context.Context, acc *store.Account) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := keyOf(acc)
	items := q.items[key]
	delete(q.items, key)
	return items, nil
}
