// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// scriptedFeeder returns a fixed answer per account name and records the
// accounts it was asked to poll.
type scriptedFeeder struct {
	mu       sync.Mutex
	items    map[string][]Item
	errs     map[string]error
	polled   []string
	password map[string]string
}

func newScriptedFeeder() *scriptedFeeder {
	return &scriptedFeeder{
		items:    make(map[string][]Item),
		errs:     make(map[string]error),
		password: make(map[string]string),
	}
}

func (f *scriptedFeeder) Feed(_ context.Context, acc *store.Account) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, acc.Name)
	f.password[acc.Name] = acc.Password
	return f.items[acc.Name], f.errs[acc.Name]
}

func (f *scriptedFeeder) Polled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.polled...)
}

func TestTick_DeliversItems(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	feeder := newScriptedFeeder()
	feeder.items["account1"] = []Item{{Subject: "New mail", Body: "Hi"}, {Subject: "Other", Body: "Yo"}}
	if err := gw.RegisterFeeder("Example", feeder, nil); err != nil {
		t.Fatal(err)
	}

	out, err := gw.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		`message normal account1@jcl.test.com->user1@test.com "New mail"`,
		`message normal account1@jcl.test.com->user1@test.com "Other"`,
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("stanzas mismatch (-want +got):\n%s", diff)
	}
	if getAccount(t, gw, testUser, "account1").LastCheck.IsZero() {
		t.Fatal("last check must be recorded")
	}
}

func TestTick_HeadlineSender(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	feeder := newScriptedFeeder()
	feeder.items["account1"] = []Item{{Subject: "Breaking", Body: "News"}}
	if err := gw.RegisterFeeder("example", feeder, HeadlineSender{}); err != nil {
		t.Fatal(err)
	}

	out, _ := gw.Tick(context.Background())
	if diff := cmp.Diff([]string{`message headline account1@jcl.test.com->user1@test.com "Breaking"`}, describeAll(out)); diff != "" {
		t.Fatalf("stanzas mismatch (-want +got):\n%s", diff)
	}
}

func TestTick_SkipsAccounts(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	ctx := context.Background()
	addAccount(t, gw, testUser, "due", "Example")
	disabled := addAccount(t, gw, testUser, "disabled", "Example")
	disabled.Enabled = false
	recent := addAccount(t, gw, testUser, "recent", "Example")
	recent.LastCheck = time.Now()
	nopass := addAccount(t, gw, testUser, "nopass", "Example")
	nopass.StorePassword = false
	nopass.Password = ""
	for _, acc := range []*store.Account{disabled, recent, nopass} {
		if err := gw.Store.UpdateAccount(ctx, acc); err != nil {
			t.Fatal(err)
		}
	}
	feeder := newScriptedFeeder()
	if err := gw.RegisterFeeder("Example", feeder, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := gw.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"due"}, feeder.Polled()); diff != "" {
		t.Fatalf("polled accounts mismatch (-want +got):\n%s", diff)
	}
}

func TestTick_SessionPasswordPassedButNotStored(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	ctx := context.Background()
	acc := addAccount(t, gw, testUser, "account1", "Example")
	acc.StorePassword = false
	acc.Password = ""
	if err := gw.Store.UpdateAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}
	gw.Accounts.setSessionPassword(acc, "session-pw")
	feeder := newScriptedFeeder()
	if err := gw.RegisterFeeder("Example", feeder, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := gw.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if feeder.password["account1"] != "session-pw" {
		t.Fatalf("feeder must get the session password, got %q", feeder.password["account1"])
	}
	if got := getAccount(t, gw, testUser, "account1"); got.Password != "" {
		t.Fatal("session password must not be persisted")
	}
}

func TestTick_ErrorThenRecovery(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	ctx := context.Background()
	gw.Config.Runtime.CheckInterval = 0
	addAccount(t, gw, testUser, "account1", "Example")
	feeder := newScriptedFeeder()
	feeder.errs["account1"] = errors.New("connection refused")
	if err := gw.RegisterFeeder("Example", feeder, nil); err != nil {
		t.Fatal(err)
	}

	out, err := gw.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		`message error account1@jcl.test.com->user1@test.com "Error"`,
		"presence available account1@jcl.test.com->user1@test.com dnd",
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("error stanzas mismatch (-want +got):\n%s", diff)
	}
	if got := getAccount(t, gw, testUser, "account1"); got.Status != store.StatusError || got.Error != "connection refused" {
		t.Fatalf("expected account in error, got %+v", got)
	}

	// Same error again: nothing new is sent.
	if out, _ = gw.Tick(ctx); len(out) != 0 {
		t.Fatalf("repeated error must be suppressed, got %v", describeAll(out))
	}

	feeder.mu.Lock()
	delete(feeder.errs, "account1")
	feeder.items["account1"] = []Item{{Subject: "Back", Body: "online"}}
	feeder.mu.Unlock()
	out, _ = gw.Tick(ctx)
	want = []string{
		"presence available account1@jcl.test.com->user1@test.com",
		`message normal account1@jcl.test.com->user1@test.com "Back"`,
	}
	if diff := cmp.Diff(want, describeAll(out)); diff != "" {
		t.Fatalf("recovery stanzas mismatch (-want +got):\n%s", diff)
	}
	if got := getAccount(t, gw, testUser, "account1"); got.Status != store.StatusOnline || got.Error != "" {
		t.Fatalf("expected error cleared, got %+v", got)
	}
}

type failingUpdateStore struct {
	AccountStore
}

func (failingUpdateStore) UpdateAccount(context.Context, *store.Account) error {
	return errors.New("read-only database")
}

func TestTick_AggregatesSaveFailures(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	addAccount(t, gw, testUser, "account1", "Example")
	addAccount(t, gw, testUser, "account2", "Example")
	feeder := newScriptedFeeder()
	feeder.items["account2"] = []Item{{Subject: "s", Body: "b"}}
	if err := gw.RegisterFeeder("Example", feeder, nil); err != nil {
		t.Fatal(err)
	}
	gw.Store = failingUpdateStore{AccountStore: gw.Store}

	out, err := gw.Tick(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if len(out) != 1 {
		t.Fatalf("items must still be delivered, got %v", describeAll(out))
	}
	if diff := cmp.Diff([]string{"account1", "account2"}, feeder.Polled()); diff != "" {
		t.Fatalf("every account must be polled (-want +got):\n%s", diff)
	}
}

func TestRegisterFeeder_Rejections(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	if err := gw.RegisterFeeder("unknown", newScriptedFeeder(), nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	gw.Freeze()
	if err := gw.RegisterFeeder("Example", newScriptedFeeder(), nil); !errors.Is(err, ErrRouterFrozen) {
		t.Fatalf("expected ErrRouterFrozen, got %v", err)
	}
}

func TestCheckInterval(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	gw.Config.Runtime.TimeUnit = time.Second
	gw.Config.Runtime.CheckInterval = 3

	if got := gw.checkInterval(&store.Account{}); got != 3*time.Second {
		t.Fatalf("expected configured interval, got %s", got)
	}
	acc := &store.Account{Fields: map[string]any{"interval": float64(10)}}
	if got := gw.checkInterval(acc); got != 10*time.Second {
		t.Fatalf("expected account interval, got %s", got)
	}
}

func TestQueueFeeder(t *testing.T) {
	t.Parallel()
	q := NewQueueFeeder()
	owner := stanza.MustParseJID("user1@test.com/res")
	q.Push(owner, "account1", Item{Body: "one"})
	q.Push(owner.Bare(), "account1", Item{Body: "two"})
	if n := q.Pending(owner, "account1"); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}

	items, err := q.Feed(context.Background(), &store.Account{Owner: owner.Bare(), Name: "account1"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Item{{Body: "one"}, {Body: "two"}}, items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if n := q.Pending(owner, "account1"); n != 0 {
		t.Fatalf("feed must drain the queue, got %d", n)
	}
}

func TestCancelError_NoopWithoutError(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	acc := addAccount(t, gw, testUser, "account1", "Example")

	if out := gw.Accounts.CancelError(context.Background(), acc); len(out) != 0 {
		t.Fatalf("expected nothing, got %v", describeAll(out))
	}
}
