// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

var (
	testUser     = stanza.MustParseJID("user1@test.com/res")
	testUserBare = testUser.Bare()
	testAdmin    = stanza.MustParseJID("admin@test.com/res")
)

func exampleSchema() *schema.Schema {
	return &schema.Schema{
		Kind:  "Example",
		Label: "Example",
		Fields: []schema.FieldDescriptor{
			{Name: "login", Kind: schema.Text, Required: true},
			{Name: "password", Kind: schema.Secret, Transient: true},
			{Name: "store_password", Kind: schema.Boolean, Default: true},
			{Name: "interval", Kind: schema.Integer, Default: 5},
		},
	}
}

// nameOnlySchema declares a kind without any field besides the name.
func nameOnlySchema(kind string) *schema.Schema {
	return &schema.Schema{Kind: kind}
}

func newTestStore(t *testing.T) *store.Database {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "jcl.db") + "?_foreign_keys=on&_txlock=immediate"
	raw, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db := store.New(raw)
	if err := db.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newTestGateway builds a gateway on a fresh database. Without kinds it
// registers the Example kind only.
func newTestGateway(t *testing.T, kinds ...*schema.Schema) *Gateway {
	t.Helper()
	if len(kinds) == 0 {
		kinds = []*schema.Schema{exampleSchema()}
	}
	cfg := &Config{
		Component: ComponentConfig{JID: testComponent.String(), Version: "1.0"},
		Kinds:     kinds,
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	settings, err := LoadSettings("", zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	gw, err := NewGateway(cfg, newTestStore(t), settings, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if err = settings.SetAdmins([]string{testAdmin.Bare().String()}); err != nil {
		t.Fatalf("SetAdmins: %v", err)
	}
	return gw
}

func addAccount(t *testing.T, gw *Gateway, owner stanza.JID, name, kind string) *store.Account {
	t.Helper()
	acc := &store.Account{
		Owner:         owner.Bare(),
		Name:          name,
		JID:           MakeAccountJID(gw.JID, name),
		Kind:          kind,
		Enabled:       true,
		StorePassword: true,
		Password:      "secret",
		Status:        store.StatusOffline,
		Fields:        schema.Values{"login": name + "-login"},
	}
	if err := gw.Store.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acc
}

func addLegacy(t *testing.T, gw *Gateway, acc *store.Account, address string) *store.LegacyJID {
	t.Helper()
	lj := &store.LegacyJID{
		Owner:       acc.Owner,
		AccountName: acc.Name,
		Address:     address,
		JID:         MakeLegacyJID(gw.JID, address),
	}
	if err := gw.Store.AddLegacyJID(context.Background(), lj); err != nil {
		t.Fatalf("AddLegacyJID: %v", err)
	}
	return lj
}

func getAccount(t *testing.T, gw *Gateway, owner stanza.JID, name string) *store.Account {
	t.Helper()
	acc, err := gw.Store.GetAccount(context.Background(), owner.Bare(), name)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acc
}

// describe renders a stanza compactly for sequence comparisons.
func describe(st stanza.Stanza) string {
	switch s := st.(type) {
	case *stanza.Presence:
		typ := string(s.Type)
		if typ == "" {
			typ = "available"
		}
		out := fmt.Sprintf("presence %s %s->%s", typ, s.From, s.To)
		if s.Show != "" {
			out += " " + string(s.Show)
		}
		return out
	case *stanza.Message:
		return fmt.Sprintf("message %s %s->%s %q", s.Type, s.From, s.To, s.Subject)
	case *stanza.IQ:
		out := fmt.Sprintf("iq %s %s->%s", s.Type, s.From, s.To)
		if s.Error != nil {
			out += " " + string(s.Error.Condition)
		}
		return out
	default:
		return fmt.Sprintf("%T", st)
	}
}

func describeAll(out []stanza.Stanza) []string {
	lines := make([]string, len(out))
	for i, st := range out {
		lines[i] = describe(st)
	}
	return lines
}

// fakeStream is an in-memory stanza.Stream. Pump returns the queued batches
// in order, then PumpErr if set, then waits for the timeout.
type fakeStream struct {
	mu          sync.Mutex
	ConnectErr  error
	PumpErr     error
	SendErr     error
	batches     [][]stanza.Stanza
	sent        []stanza.Stanza
	connects    int
	disconnects int
	pumps       atomic.Int32
}

var _ stanza.Stream = (*fakeStream)(nil)

func (f *fakeStream) Queue(batch ...stanza.Stanza) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *fakeStream) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.ConnectErr
}

func (f *fakeStream) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeStream) Pump(ctx context.Context, timeout time.Duration) ([]stanza.Stanza, error) {
	f.pumps.Add(1)
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	err := f.PumpErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeStream) Send(_ context.Context, st stanza.Stanza) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, st)
	return nil
}

func (f *fakeStream) Sent() []stanza.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]stanza.Stanza, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeStream) Counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
