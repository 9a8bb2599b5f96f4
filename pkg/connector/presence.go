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

	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

type SubscriptionState int

const (
	SubscriptionUnsubscribed SubscriptionState = iota
	SubscriptionPending
	SubscriptionSubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

type subscriptionKey struct {
	requester string
	target    string
}

func subscriptionKeyOf(requester, target stanza.JID) subscriptionKey {
	return subscriptionKey{requester: requester.Bare().String(), target: target.Bare().String()}
}

// PresenceHandler takes over the presences it matches from the default
// cascade, e.g. the presences addressed to legacy identities.
type PresenceHandler interface {
	Matches(ctx context.Context, p *stanza.Presence) (bool, error)
	Handle(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error)
}

// PresenceManager computes the presence cascades of the component, its
// accounts and their legacy identities.
type PresenceManager struct {
	gw  *Gateway
	log zerolog.Logger

	subscriptions *exsync.Map[subscriptionKey, SubscriptionState]

	handlersLock sync.RWMutex
	handlers     []PresenceHandler
}

func newPresenceManager(gw *Gateway) *PresenceManager {
	return &PresenceManager{
		gw:            gw,
		log:           gw.Log.With().Str("component", "presence").Logger(),
		subscriptions: exsync.NewMap[subscriptionKey, SubscriptionState](),
	}
}

// RegisterHandler adds a presence handler. When several handlers match the
// same presence, the last registered one wins.
func (pm *PresenceManager) RegisterHandler(h PresenceHandler) error {
	if pm.gw.Frozen() {
		return ErrRouterFrozen
	}
	pm.handlersLock.Lock()
	pm.handlers = append(pm.handlers, h)
	pm.handlersLock.Unlock()
	return nil
}

func (pm *PresenceManager) handlerFor(ctx context.Context, p *stanza.Presence) (PresenceHandler, error) {
	pm.handlersLock.RLock()
	defer pm.handlersLock.RUnlock()
	for i := len(pm.handlers) - 1; i >= 0; i-- {
		ok, err := pm.handlers[i].Matches(ctx, p)
		if err != nil {
			return nil, err
		} else if ok {
			return pm.handlers[i], nil
		}
	}
	return nil, nil
}

// Subscription returns the state of the subscription of requester to target.
func (pm *PresenceManager) Subscription(requester, target stanza.JID) SubscriptionState {
	return pm.subscriptions.GetDefault(subscriptionKeyOf(requester, target), SubscriptionUnsubscribed)
}

func (pm *PresenceManager) setSubscription(requester, target stanza.JID, state SubscriptionState) {
	pm.subscriptions.Set(subscriptionKeyOf(requester, target), state)
}

func (pm *PresenceManager) forget(requester, target stanza.JID) {
	pm.subscriptions.Delete(subscriptionKeyOf(requester, target))
}

func (pm *PresenceManager) forgetUser(requester stanza.JID) {
	bare := requester.Bare().String()
	for key := range pm.subscriptions.CopyData() {
		if key.requester == bare {
			pm.subscriptions.Delete(key)
		}
	}
}

// HandlePresence answers a presence sent by a user. Presences of unknown
// users are ignored.
func (pm *PresenceManager) HandlePresence(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	owner := p.From.Bare()
	user, err := pm.gw.Store.GetUser(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	} else if user == nil {
		pm.log.Debug().Stringer("from", p.From).Msg("Ignoring presence of unknown user")
		return nil, nil
	}
	if h, err := pm.handlerFor(ctx, p); err != nil {
		return nil, err
	} else if h != nil {
		return h.Handle(ctx, p)
	}
	toComponent := pm.gw.isComponent(p.To)
	switch p.Type {
	case stanza.PresenceAvailable, stanza.PresenceUnavailable:
		if toComponent {
			return pm.componentAvailability(ctx, p)
		}
		return pm.accountAvailability(ctx, p)
	case stanza.PresenceProbe:
		return pm.probe(ctx, p)
	case stanza.PresenceSubscribe:
		return pm.subscribe(ctx, p)
	case stanza.PresenceSubscribed:
		if pm.Subscription(owner, p.To) == SubscriptionPending {
			pm.setSubscription(owner, p.To, SubscriptionSubscribed)
		}
		return nil, nil
	case stanza.PresenceUnsubscribe:
		if toComponent {
			return pm.UnsubscribeAll(ctx, p.From)
		}
		return pm.unsubscribeAccount(ctx, p)
	case stanza.PresenceUnsubscribed:
		return []stanza.Stanza{&stanza.Presence{From: p.To, To: p.From, Type: stanza.PresenceUnavailable}}, nil
	default:
		return nil, nil
	}
}

// componentAvailability cascades an availability change sent to the
// component: the component first, then every account, then every legacy
// identity of those accounts, all addressed to the full sender address.
func (pm *PresenceManager) componentAvailability(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	owner := p.From.Bare()
	accounts, err := pm.gw.Store.AccountsOf(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out := make([]stanza.Stanza, 0, 1+len(accounts))
	out = append(out, &stanza.Presence{From: pm.gw.JID, To: p.From, Type: p.Type})
	for _, acc := range accounts {
		out = append(out, presenceOf(acc, p.From, p.Type))
	}
	for _, acc := range accounts {
		legacies, err := pm.gw.Store.LegacyJIDsOf(ctx, owner, acc.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to list legacy identities of %s: %w", acc.Name, err)
		}
		for _, lj := range legacies {
			out = append(out, &stanza.Presence{From: lj.JID, To: p.From, Type: p.Type})
		}
	}
	for _, acc := range accounts {
		pm.trackStatus(ctx, acc, p.Type)
	}
	if p.Type == stanza.PresenceAvailable {
		if motd := pm.gw.Settings.MOTD(); motd != "" {
			out = append(out, &stanza.Message{
				From:    pm.gw.JID,
				To:      p.From,
				Type:    stanza.MessageHeadline,
				Subject: pm.gw.lang(p).Text("motd_subject"),
				Body:    motd,
			})
		}
	} else {
		pm.gw.Accounts.forgetSessionPasswords(owner)
	}
	return out, nil
}

// trackStatus mirrors the owner's availability in the account status. An
// account in error keeps its status until the error is cleared.
func (pm *PresenceManager) trackStatus(ctx context.Context, acc *store.Account, typ stanza.PresenceType) {
	if acc.HasError() {
		return
	}
	status := store.StatusOnline
	if typ == stanza.PresenceUnavailable {
		status = store.StatusOffline
	}
	if acc.Status == status {
		return
	}
	acc.Status = status
	if err := pm.gw.Store.UpdateAccount(ctx, acc); err != nil {
		pm.log.Err(err).Str("account", acc.Name).Msg("Failed to save account status")
	}
}

func (pm *PresenceManager) accountOf(ctx context.Context, p *stanza.Presence) (*store.Account, error) {
	name := ParseAccountJID(p.To)
	if name == "" {
		return nil, nil
	}
	acc, err := pm.gw.Store.GetAccount(ctx, p.From.Bare(), name)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// accountAvailability answers an availability change sent to a single
// account. Only that account responds, followed by a password request when
// the account needs a password nobody gave yet.
func (pm *PresenceManager) accountAvailability(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	acc, err := pm.accountOf(ctx, p)
	if err != nil || acc == nil {
		return nil, err
	}
	out := []stanza.Stanza{presenceOf(acc, p.From, p.Type)}
	pm.trackStatus(ctx, acc, p.Type)
	if p.Type == stanza.PresenceAvailable && !acc.WaitingPasswordReply && pm.gw.Accounts.needsPassword(acc) {
		lang := pm.gw.lang(p)
		out = append(out, &stanza.Message{
			From:    acc.JID,
			To:      p.From,
			Type:    stanza.MessageNormal,
			Subject: passwordSubjectPrefix + " " + lang.Text("ask_password_subject"),
			Body:    lang.Format("ask_password_body", acc.Name),
		})
		acc.WaitingPasswordReply = true
		if err = pm.gw.Store.UpdateAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("failed to save account: %w", err)
		}
	}
	return out, nil
}

func (pm *PresenceManager) probe(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	if pm.gw.isComponent(p.To) {
		return []stanza.Stanza{&stanza.Presence{From: pm.gw.JID, To: p.From}}, nil
	}
	acc, err := pm.accountOf(ctx, p)
	if err != nil || acc == nil {
		return nil, err
	}
	return []stanza.Stanza{presenceOf(acc, p.From, stanza.PresenceAvailable)}, nil
}

// subscribe acknowledges a subscription to the component or to an account.
// Repeated requests are no-ops.
func (pm *PresenceManager) subscribe(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	owner := p.From.Bare()
	target := pm.gw.JID
	if !pm.gw.isComponent(p.To) {
		acc, err := pm.accountOf(ctx, p)
		if err != nil || acc == nil {
			return nil, err
		}
		target = acc.JID
	}
	if pm.Subscription(owner, target) == SubscriptionSubscribed {
		return nil, nil
	}
	pm.setSubscription(owner, target, SubscriptionSubscribed)
	return []stanza.Stanza{&stanza.Presence{From: target, To: p.From, Type: stanza.PresenceSubscribed}}, nil
}

// UnsubscribeAll removes the user with every account, then emits an
// unsubscribe and unsubscribed pair from each account and from the
// component. Nothing is emitted when the removal fails.
func (pm *PresenceManager) UnsubscribeAll(ctx context.Context, from stanza.JID) ([]stanza.Stanza, error) {
	owner := from.Bare()
	accounts, err := pm.gw.Store.AccountsOf(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if err = pm.gw.Store.DeleteUser(ctx, owner); err != nil {
		return nil, fmt.Errorf("failed to delete user: %w", err)
	}
	pm.gw.Accounts.forgetSessionPasswords(owner)
	pm.forgetUser(owner)
	pm.log.Info().Stringer("owner", owner).Int("accounts", len(accounts)).Msg("User unregistered")
	out := make([]stanza.Stanza, 0, 2*(len(accounts)+1))
	for _, acc := range accounts {
		out = append(out, unsubscribePair(acc.JID, owner)...)
	}
	return append(out, unsubscribePair(pm.gw.JID, owner)...), nil
}

func (pm *PresenceManager) unsubscribeAccount(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	acc, err := pm.accountOf(ctx, p)
	if err != nil || acc == nil {
		return nil, err
	}
	owner := p.From.Bare()
	if _, err = pm.gw.Store.DeleteAccount(ctx, owner, acc.Name); err != nil {
		return nil, fmt.Errorf("failed to delete account: %w", err)
	}
	pm.forget(owner, acc.JID)
	return unsubscribePair(acc.JID, owner), nil
}

func unsubscribePair(from, to stanza.JID) []stanza.Stanza {
	return []stanza.Stanza{
		&stanza.Presence{From: from, To: to, Type: stanza.PresenceUnsubscribe},
		&stanza.Presence{From: from, To: to, Type: stanza.PresenceUnsubscribed},
	}
}

// All returns a presence of typ from the component to every user, then from
// every account to its owner.
func (pm *PresenceManager) All(ctx context.Context, typ stanza.PresenceType) ([]stanza.Stanza, error) {
	users, err := pm.gw.Store.UsersMatching(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	accounts, err := pm.gw.Store.AllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out := make([]stanza.Stanza, 0, len(users)+len(accounts))
	for _, u := range users {
		out = append(out, &stanza.Presence{From: pm.gw.JID, To: u.JID, Type: typ})
	}
	for _, acc := range accounts {
		out = append(out, &stanza.Presence{From: acc.JID, To: acc.Owner, Type: typ})
	}
	return out, nil
}

// legacyPresenceHandler answers the presences addressed to legacy
// identities on behalf of the account they are bound to.
type legacyPresenceHandler struct {
	gw *Gateway
}

var _ PresenceHandler = (*legacyPresenceHandler)(nil)

func (h *legacyPresenceHandler) Matches(_ context.Context, p *stanza.Presence) (bool, error) {
	_, ok := ParseLegacyJID(p.To)
	return ok, nil
}

func (h *legacyPresenceHandler) Handle(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	owner := p.From.Bare()
	from := p.To.Bare()
	lj, err := h.gw.Store.GetLegacyJID(ctx, owner, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy identity: %w", err)
	}
	switch p.Type {
	case stanza.PresenceAvailable, stanza.PresenceUnavailable:
		if lj == nil {
			return nil, nil
		}
		return []stanza.Stanza{&stanza.Presence{From: from, To: p.From, Type: p.Type}}, nil
	case stanza.PresenceProbe:
		if lj == nil {
			return nil, nil
		}
		return []stanza.Stanza{&stanza.Presence{From: from, To: p.From}}, nil
	case stanza.PresenceSubscribe:
		return []stanza.Stanza{
			&stanza.Presence{From: from, To: owner, Type: stanza.PresenceSubscribe},
			&stanza.Presence{From: from, To: owner, Type: stanza.PresenceSubscribed},
		}, nil
	case stanza.PresenceUnsubscribe:
		if lj != nil {
			if err = h.gw.Store.RemoveLegacyJID(ctx, owner, lj.AccountName, lj.Address); err != nil {
				return nil, fmt.Errorf("failed to remove legacy identity: %w", err)
			}
		}
		return unsubscribePair(from, owner), nil
	case stanza.PresenceUnsubscribed:
		return []stanza.Stanza{&stanza.Presence{From: from, To: p.From, Type: stanza.PresenceUnavailable}}, nil
	default:
		return nil, nil
	}
}
