// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

func presenceFrom(from, to stanza.JID, typ stanza.PresenceType) *stanza.Presence {
	return &stanza.Presence{From: from, To: to, Type: typ}
}

func TestPresence_AvailableCascade(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc1 := addAccount(t, gw, testUser, "account1", "Example")
	addAccount(t, gw, testUser, "account2", "Example")
	addLegacy(t, gw, acc1, "u111@test.com")

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, testComponent, stanza.PresenceAvailable))
	want := []string{
		"presence available jcl.test.com->user1@test.com/res",
		"presence available account1@jcl.test.com->user1@test.com/res",
		"presence available account2@jcl.test.com->user1@test.com/res",
		"presence available u111%test.com@jcl.test.com->user1@test.com/res",
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	for _, name := range []string{"account1", "account2"} {
		if acc := getAccount(t, gw, testUser, name); acc.Status != store.StatusOnline {
			t.Fatalf("expected %s online, got %s", name, acc.Status)
		}
	}
}

func TestPresence_AvailableCascadeWithMOTD(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	if err := gw.Settings.SetMOTD("Maintenance tonight"); err != nil {
		t.Fatal(err)
	}

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, testComponent, stanza.PresenceAvailable))
	if len(out) != 3 {
		t.Fatalf("expected 1+1 presences and the motd, got %v", describeAll(out))
	}
	motd, ok := out[2].(*stanza.Message)
	if !ok || motd.Type != stanza.MessageHeadline || motd.Body != "Maintenance tonight" {
		t.Fatalf("expected motd headline last, got %s", describe(out[2]))
	}
}

func TestPresence_UnavailableCascade(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	gw.Accounts.setSessionPassword(acc, "pw")
	if err := gw.Settings.SetMOTD("ignored when leaving"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	gw.HandleStanza(ctx, presenceFrom(testUser, testComponent, stanza.PresenceAvailable))

	out := gw.HandleStanza(ctx, presenceFrom(testUser, testComponent, stanza.PresenceUnavailable))
	want := []string{
		"presence unavailable jcl.test.com->user1@test.com/res",
		"presence unavailable account1@jcl.test.com->user1@test.com/res",
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	if got := getAccount(t, gw, testUser, "account1"); got.Status != store.StatusOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
	if _, ok := gw.Accounts.sessionPasswords.Get(keyOf(acc)); ok {
		t.Fatal("session password must be forgotten when the user leaves")
	}
}

func TestPresence_AccountInErrorShowsDND(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	acc.Status = store.StatusError
	acc.Error = "boom"
	if err := gw.Store.UpdateAccount(context.Background(), acc); err != nil {
		t.Fatal(err)
	}

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, testComponent, stanza.PresenceAvailable))
	p := out[1].(*stanza.Presence)
	if p.Show != stanza.ShowDND || p.Status != "boom" {
		t.Fatalf("expected dnd presence with error text, got %+v", p)
	}
	if got := getAccount(t, gw, testUser, "account1"); got.Status != store.StatusError {
		t.Fatalf("account in error must keep its status, got %s", got.Status)
	}
}

func TestPresence_UnknownUserIgnored(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	stranger := stanza.MustParseJID("stranger@test.com/res")

	for _, typ := range []stanza.PresenceType{
		stanza.PresenceAvailable, stanza.PresenceUnavailable, stanza.PresenceSubscribe,
		stanza.PresenceUnsubscribe, stanza.PresenceProbe,
	} {
		if out := gw.HandleStanza(context.Background(), presenceFrom(stranger, testComponent, typ)); len(out) != 0 {
			t.Fatalf("%q: expected no answer, got %v", typ, describeAll(out))
		}
	}
}

func TestPresence_AccountAvailabilityAsksPassword(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	acc.StorePassword = false
	acc.Password = ""
	ctx := context.Background()
	if err := gw.Store.UpdateAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}

	out := gw.HandleStanza(ctx, presenceFrom(testUser, acc.JID, stanza.PresenceAvailable))
	want := []string{
		"presence available account1@jcl.test.com->user1@test.com/res",
		`message normal account1@jcl.test.com->user1@test.com/res "[PASSWORD] Password request"`,
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("stanzas mismatch (-want +got):\n%s", diff)
	}
	if !getAccount(t, gw, testUser, "account1").WaitingPasswordReply {
		t.Fatal("account must wait for the password reply")
	}

	out = gw.HandleStanza(ctx, presenceFrom(testUser, acc.JID, stanza.PresenceAvailable))
	if len(out) != 1 {
		t.Fatalf("password must be asked once, got %v", describeAll(out))
	}
}

func TestPresence_AccountAvailabilityWithStoredPassword(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, acc.JID, stanza.PresenceAvailable))
	if diff := cmp.Diff([]string{"presence available account1@jcl.test.com->user1@test.com/res"}, describeAll(out)); diff != "" {
		t.Fatalf("stanzas mismatch (-want +got):\n%s", diff)
	}
}

func TestPresence_Probe(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	ctx := context.Background()

	out := gw.HandleStanza(ctx, presenceFrom(testUser, testComponent, stanza.PresenceProbe))
	if diff := cmp.Diff([]string{"presence available jcl.test.com->user1@test.com/res"}, describeAll(out)); diff != "" {
		t.Fatalf("component probe mismatch (-want +got):\n%s", diff)
	}
	out = gw.HandleStanza(ctx, presenceFrom(testUser, acc.JID, stanza.PresenceProbe))
	if diff := cmp.Diff([]string{"presence available account1@jcl.test.com->user1@test.com/res"}, describeAll(out)); diff != "" {
		t.Fatalf("account probe mismatch (-want +got):\n%s", diff)
	}
}

func TestPresence_SubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	ctx := context.Background()

	for _, to := range []stanza.JID{testComponent, acc.JID} {
		out := gw.HandleStanza(ctx, presenceFrom(testUser, to, stanza.PresenceSubscribe))
		want := []string{"presence subscribed " + to.String() + "->user1@test.com/res"}
		if diff := cmp.Diff(want, describeAll(out)); diff != "" {
			t.Fatalf("first subscribe mismatch (-want +got):\n%s", diff)
		}
		if out = gw.HandleStanza(ctx, presenceFrom(testUser, to, stanza.PresenceSubscribe)); len(out) != 0 {
			t.Fatalf("repeated subscribe must be a no-op, got %v", describeAll(out))
		}
		if st := gw.Presence.Subscription(testUser, to); st != SubscriptionSubscribed {
			t.Fatalf("expected subscribed, got %s", st)
		}
	}
}

func TestPresence_SubscribedConfirmsPending(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	gw.Presence.setSubscription(testUser, acc.JID, SubscriptionPending)

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, acc.JID, stanza.PresenceSubscribed))
	if len(out) != 0 {
		t.Fatalf("expected no answer, got %v", describeAll(out))
	}
	if st := gw.Presence.Subscription(testUser, acc.JID); st != SubscriptionSubscribed {
		t.Fatalf("expected subscribed, got %s", st)
	}
}

func TestPresence_UnsubscribeFromComponent(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc1 := addAccount(t, gw, testUser, "account1", "Example")
	addAccount(t, gw, testUser, "account2", "Example")
	addLegacy(t, gw, acc1, "u111@test.com")
	other := stanza.MustParseJID("user2@test.com")
	addAccount(t, gw, other, "account1", "Example")
	ctx := context.Background()

	out := gw.HandleStanza(ctx, presenceFrom(testUser, testComponent, stanza.PresenceUnsubscribe))
	want := []string{
		"presence unsubscribe account1@jcl.test.com->user1@test.com",
		"presence unsubscribed account1@jcl.test.com->user1@test.com",
		"presence unsubscribe account2@jcl.test.com->user1@test.com",
		"presence unsubscribed account2@jcl.test.com->user1@test.com",
		"presence unsubscribe jcl.test.com->user1@test.com",
		"presence unsubscribed jcl.test.com->user1@test.com",
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("unsubscribe mismatch (-want +got):\n%s", diff)
	}
	if user, err := gw.Store.GetUser(ctx, testUserBare); err != nil || user != nil {
		t.Fatalf("expected user removed, got %v %v", user, err)
	}
	if accounts, _ := gw.Store.AccountsOf(ctx, testUserBare); len(accounts) != 0 {
		t.Fatalf("expected no accounts left, got %d", len(accounts))
	}
	if accounts, _ := gw.Store.AccountsOf(ctx, other); len(accounts) != 1 {
		t.Fatal("other users must keep their accounts")
	}
}

type failingDeleteStore struct {
	AccountStore
}

func (failingDeleteStore) DeleteUser(context.Context, stanza.JID) error {
	return errors.New("disk full")
}

func TestPresence_UnsubscribeFromComponentFailureEmitsNothing(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	gw.Store = failingDeleteStore{AccountStore: gw.Store}

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, testComponent, stanza.PresenceUnsubscribe))
	for _, st := range out {
		if p, ok := st.(*stanza.Presence); ok && p.Type != stanza.PresenceError {
			t.Fatalf("no unsubscribe presence may be sent on failure, got %s", describe(st))
		}
	}
}

func TestPresence_UnsubscribeFromAccount(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	addAccount(t, gw, testUser, "account2", "Example")

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, acc.JID, stanza.PresenceUnsubscribe))
	want := []string{
		"presence unsubscribe account1@jcl.test.com->user1@test.com",
		"presence unsubscribed account1@jcl.test.com->user1@test.com",
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("unsubscribe mismatch (-want +got):\n%s", diff)
	}
	if getAccount(t, gw, testUser, "account1") != nil {
		t.Fatal("account was not removed")
	}
}

func TestPresence_UnsubscribedAnswersUnavailable(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")

	out := gw.HandleStanza(context.Background(), presenceFrom(testUser, acc.JID, stanza.PresenceUnsubscribed))
	if diff := cmp.Diff([]string{"presence unavailable account1@jcl.test.com->user1@test.com/res"}, describeAll(out)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestPresence_LegacyIdentities(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")
	lj := addLegacy(t, gw, acc, "u111@test.com")
	ctx := context.Background()
	unknown := MakeLegacyJID(gw.JID, "nobody@test.com")

	tests := []struct {
		name string
		to   stanza.JID
		typ  stanza.PresenceType
		want []string
	}{
		{"available known", lj.JID, stanza.PresenceAvailable, []string{
			"presence available u111%test.com@jcl.test.com->user1@test.com/res",
		}},
		{"available unknown", unknown, stanza.PresenceAvailable, nil},
		{"probe known", lj.JID.WithResource("r"), stanza.PresenceProbe, []string{
			"presence available u111%test.com@jcl.test.com->user1@test.com/res",
		}},
		{"subscribe", unknown, stanza.PresenceSubscribe, []string{
			"presence subscribe nobody%test.com@jcl.test.com->user1@test.com",
			"presence subscribed nobody%test.com@jcl.test.com->user1@test.com",
		}},
		{"unsubscribed", lj.JID, stanza.PresenceUnsubscribed, []string{
			"presence unavailable u111%test.com@jcl.test.com->user1@test.com/res",
		}},
	}
	for _, tt := range tests {
		out := gw.HandleStanza(ctx, presenceFrom(testUser, tt.to, tt.typ))
		if diff := cmp.Diff(tt.want, describeAll(out), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("%s: mismatch (-want +got):\n%s", tt.name, diff)
		}
	}

	out := gw.HandleStanza(ctx, presenceFrom(testUser, lj.JID, stanza.PresenceUnsubscribe))
	if len(out) != 2 {
		t.Fatalf("expected unsubscribe pair, got %v", describeAll(out))
	}
	if got, _ := gw.Store.GetLegacyJID(ctx, testUserBare, lj.JID); got != nil {
		t.Fatal("legacy identity was not removed")
	}
}

type recordingPresenceHandler struct {
	name string
	hits *[]string
}

func (h *recordingPresenceHandler) Matches(_ context.Context, p *stanza.Presence) (bool, error) {
	return strings.HasPrefix(p.To.Local, "custom"), nil
}

func (h *recordingPresenceHandler) Handle(_ context.Context, p *stanza.Presence) ([]stanza.Stanza, error) {
	*h.hits = append(*h.hits, h.name)
	return []stanza.Stanza{&stanza.Presence{From: p.To, To: p.From, Status: h.name}}, nil
}

func TestPresence_LastRegisteredHandlerWins(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	var hits []string
	for _, name := range []string{"first", "second"} {
		if err := gw.Presence.RegisterHandler(&recordingPresenceHandler{name: name, hits: &hits}); err != nil {
			t.Fatal(err)
		}
	}

	out := gw.HandleStanza(context.Background(),
		presenceFrom(testUser, MakeAccountJID(gw.JID, "custom1"), stanza.PresenceAvailable))
	if diff := cmp.Diff([]string{"second"}, hits); diff != "" {
		t.Fatalf("handler precedence mismatch (-want +got):\n%s", diff)
	}
	if len(out) != 1 || out[0].(*stanza.Presence).Status != "second" {
		t.Fatalf("unexpected answer %v", describeAll(out))
	}

	gw.Freeze()
	if err := gw.Presence.RegisterHandler(&recordingPresenceHandler{name: "late", hits: &hits}); !errors.Is(err, ErrRouterFrozen) {
		t.Fatalf("expected ErrRouterFrozen, got %v", err)
	}
}

func TestPresenceAll(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	addAccount(t, gw, stanza.MustParseJID("user2@test.com"), "account2", "Example")

	out, err := gw.PresenceAll(context.Background(), stanza.PresenceUnavailable)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"presence unavailable jcl.test.com->user1@test.com",
		"presence unavailable jcl.test.com->user2@test.com",
		"presence unavailable account1@jcl.test.com->user1@test.com",
		"presence unavailable account2@jcl.test.com->user2@test.com",
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
