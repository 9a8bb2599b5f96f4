// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
	"github.com/thfree/jcl/pkg/store"
)

// AccountStore is the persistence the gateway needs.
type AccountStore interface {
	GetUser(ctx context.Context, jid stanza.JID) (*store.User, error)
	UsersMatching(ctx context.Context, pred func(*store.User) bool) ([]*store.User, error)
	AccountsOf(ctx context.Context, owner stanza.JID) ([]*store.Account, error)
	AllAccounts(ctx context.Context) ([]*store.Account, error)
	AccountsCount(ctx context.Context, owner stanza.JID) (int, error)
	GetAccount(ctx context.Context, owner stanza.JID, name string) (*store.Account, error)
	CreateAccount(ctx context.Context, acc *store.Account) error
	UpdateAccount(ctx context.Context, acc *store.Account) error
	DeleteAccount(ctx context.Context, owner stanza.JID, name string) (userDeleted bool, err error)
	DeleteUser(ctx context.Context, owner stanza.JID) error
	LegacyJIDsOf(ctx context.Context, owner stanza.JID, account string) ([]*store.LegacyJID, error)
	GetLegacyJID(ctx context.Context, owner, jid stanza.JID) (*store.LegacyJID, error)
	AddLegacyJID(ctx context.Context, lj *store.LegacyJID) error
	RemoveLegacyJID(ctx context.Context, owner stanza.JID, account, address string) error
}

var _ AccountStore = (*store.Database)(nil)

// Gateway is the protocol adapter core: it owns the router and the
// components that answer stanzas on behalf of the component, its accounts
// and their legacy contacts.
type Gateway struct {
	Config   *Config
	JID      stanza.JID
	Store    AccountStore
	Schemas  *schema.Registry
	Settings *Settings
	Langs    *Languages
	Log      zerolog.Logger

	Accounts *AccountManager
	Presence *PresenceManager
	Disco    *DiscoResolver
	Commands *CommandRegistry

	// OnShutdown and OnRestart back the shutdown and restart admin commands.
	OnShutdown func()
	OnRestart  func()

	router    *Router
	feeders   map[string]feederBinding
	frozen    atomic.Bool
	startedAt time.Time
}

var _ StanzaHandler = (*Gateway)(nil)

// NewGateway wires the gateway components. cfg must be post-processed.
func NewGateway(cfg *Config, st AccountStore, settings *Settings, log zerolog.Logger) (*Gateway, error) {
	langs, err := NewLanguages(cfg.DefaultLanguage)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings, _ = LoadSettings("", log)
	}
	g := &Gateway{
		Config:    cfg,
		JID:       cfg.ComponentJID(),
		Store:     st,
		Schemas:   cfg.Registry(),
		Settings:  settings,
		Langs:     langs,
		Log:       log.With().Str("component", "gateway").Logger(),
		feeders:   make(map[string]feederBinding),
		startedAt: time.Now(),
	}
	g.Accounts = newAccountManager(g)
	g.Presence = newPresenceManager(g)
	g.Disco = &DiscoResolver{gw: g}
	g.Commands = newCommandRegistry(g)
	if err = registerAdminCommands(g.Commands); err != nil {
		return nil, fmt.Errorf("failed to register admin commands: %w", err)
	}
	if err = g.Presence.RegisterHandler(&legacyPresenceHandler{gw: g}); err != nil {
		return nil, err
	}
	g.router = NewRouter(log)
	if err = g.registerHandlers(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) registerHandlers() error {
	r := g.router
	for _, reg := range []func() error{
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSVersion, g.handleVersion) },
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSLast, g.handleLast) },
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSVCard, g.handleVCard) },
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSGateway, g.handleGatewayGet) },
		func() error { return r.HandleIQ(stanza.IQSet, stanza.NSGateway, g.handleGatewaySet) },
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSDiscoInfo, g.handleDiscoInfo) },
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSDiscoItems, g.handleDiscoItems) },
		func() error { return r.HandleIQ(stanza.IQGet, stanza.NSRegister, g.Accounts.HandleRegisterGet) },
		func() error { return r.HandleIQ(stanza.IQSet, stanza.NSRegister, g.Accounts.HandleRegisterSet) },
		func() error { return r.HandleIQ(stanza.IQSet, stanza.NSCommands, g.Commands.HandleCommand) },
		func() error { return r.HandleMessage(g.handleMessage) },
	} {
		if err := reg(); err != nil {
			return err
		}
	}
	for _, typ := range []stanza.PresenceType{
		stanza.PresenceAvailable, stanza.PresenceUnavailable, stanza.PresenceProbe,
		stanza.PresenceSubscribe, stanza.PresenceSubscribed,
		stanza.PresenceUnsubscribe, stanza.PresenceUnsubscribed,
	} {
		if err := r.HandlePresence(typ, g.Presence.HandlePresence); err != nil {
			return err
		}
	}
	return nil
}

// Freeze closes handler, command and feeder registration. The supervisor
// calls it before entering the running state.
func (g *Gateway) Freeze() {
	g.frozen.Store(true)
	g.router.Freeze()
	g.Commands.freeze()
}

func (g *Gateway) Frozen() bool {
	return g.frozen.Load()
}

// HandleStanza answers one inbound stanza.
func (g *Gateway) HandleStanza(ctx context.Context, st stanza.Stanza) []stanza.Stanza {
	return g.router.Route(ctx, st)
}

// Authenticated returns the probes sent once the component link is up.
func (g *Gateway) Authenticated(ctx context.Context) ([]stanza.Stanza, error) {
	return g.Presence.All(ctx, stanza.PresenceProbe)
}

// PresenceAll returns one presence of typ from the component to every user,
// then from every account to its owner.
func (g *Gateway) PresenceAll(ctx context.Context, typ stanza.PresenceType) ([]stanza.Stanza, error) {
	return g.Presence.All(ctx, typ)
}

func (g *Gateway) lang(st stanza.Stanza) *Lang {
	return g.Langs.Get(st.Language())
}

// isComponent reports whether jid addresses the component itself.
func (g *Gateway) isComponent(jid stanza.JID) bool {
	return jid.Local == "" && jid.Domain == g.JID.Domain
}

var validationReasonKeys = map[schema.Reason]string{
	schema.ReasonMandatory:     "mandatory_field",
	schema.ReasonInvalidType:   "invalid_type",
	schema.ReasonInvalidChoice: "invalid_choice",
	schema.ReasonInvalidName:   "invalid_name",
}

// validationError localizes a rejected submission as "Field 'x': reason".
func validationError(lang *Lang, verr *schema.ValidationError) *stanza.Error {
	return stanza.NewError(stanza.CondNotAcceptable,
		lang.Format("field_error", verr.Field, lang.Text(validationReasonKeys[verr.Reason])))
}
