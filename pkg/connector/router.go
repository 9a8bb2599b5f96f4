// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
)

// Handler errors mapped to protocol error conditions.
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrRouterFrozen = errors.New("handlers cannot be registered after startup")
)

type (
	IQHandlerFunc       func(ctx context.Context, iq *stanza.IQ) ([]stanza.Stanza, error)
	PresenceHandlerFunc func(ctx context.Context, p *stanza.Presence) ([]stanza.Stanza, error)
	MessageHandlerFunc  func(ctx context.Context, m *stanza.Message) ([]stanza.Stanza, error)
)

type iqRoute struct {
	typ stanza.IQType
	ns  string
}

// Router dispatches inbound stanzas by kind, type and payload namespace.
// Registration is closed by Freeze; routing afterwards is read-only.
type Router struct {
	log      zerolog.Logger
	iq       map[iqRoute]IQHandlerFunc
	presence map[stanza.PresenceType]PresenceHandlerFunc
	message  MessageHandlerFunc
	frozen   atomic.Bool
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:      log.With().Str("component", "router").Logger(),
		iq:       make(map[iqRoute]IQHandlerFunc),
		presence: make(map[stanza.PresenceType]PresenceHandlerFunc),
	}
}

func (r *Router) HandleIQ(typ stanza.IQType, ns string, fn IQHandlerFunc) error {
	if r.frozen.Load() {
		return ErrRouterFrozen
	}
	r.iq[iqRoute{typ, ns}] = fn
	return nil
}

func (r *Router) HandlePresence(typ stanza.PresenceType, fn PresenceHandlerFunc) error {
	if r.frozen.Load() {
		return ErrRouterFrozen
	}
	r.presence[typ] = fn
	return nil
}

func (r *Router) HandleMessage(fn MessageHandlerFunc) error {
	if r.frozen.Load() {
		return ErrRouterFrozen
	}
	r.message = fn
	return nil
}

func (r *Router) Freeze() {
	r.frozen.Store(true)
}

// Route runs the handler of st and returns the stanzas to send. Handler
// errors and panics become error replies; nothing escapes to the caller.
func (r *Router) Route(ctx context.Context, st stanza.Stanza) (out []stanza.Stanza) {
	log := r.log.With().
		Str("kind", string(st.StanzaKind())).
		Stringer("from", st.Sender()).
		Stringer("to", st.Recipient()).
		Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("Panic while handling stanza")
			out = errorReplies(st, stanza.CondInternalServerError, "")
		}
	}()
	var err error
	switch s := st.(type) {
	case *stanza.IQ:
		if s.Type != stanza.IQGet && s.Type != stanza.IQSet {
			return nil
		}
		fn, ok := r.iq[iqRoute{s.Type, s.Namespace()}]
		if !ok {
			return errorReplies(st, stanza.CondServiceUnavailable, "")
		}
		out, err = fn(ctx, s)
	case *stanza.Presence:
		fn, ok := r.presence[s.Type]
		if !ok {
			return nil
		}
		out, err = fn(ctx, s)
	case *stanza.Message:
		if s.Type == stanza.MessageError || r.message == nil {
			return nil
		}
		out, err = r.message(ctx, s)
	default:
		log.Warn().Msg("Dropping stanza of unknown kind")
		return nil
	}
	if err != nil {
		cond, text := conditionOf(err)
		if cond == stanza.CondInternalServerError {
			log.Err(err).Msg("Failed to handle stanza")
		} else {
			log.Debug().Err(err).Msg("Rejected stanza")
		}
		return errorReplies(st, cond, text)
	}
	return out
}

func errorReplies(st stanza.Stanza, cond stanza.Condition, text string) []stanza.Stanza {
	reply := stanza.ErrorReply(st, cond, text)
	if reply == nil {
		return nil
	}
	return []stanza.Stanza{reply}
}

func conditionOf(err error) (stanza.Condition, string) {
	var verr *schema.ValidationError
	var serr *stanza.Error
	switch {
	case errors.As(err, &serr):
		return serr.Condition, serr.Text
	case errors.As(err, &verr):
		return stanza.CondNotAcceptable, verr.Error()
	case errors.Is(err, ErrNodeNotFound):
		return stanza.CondItemNotFound, ""
	case errors.Is(err, ErrForbidden):
		return stanza.CondForbidden, ""
	case errors.Is(err, ErrBadRequest):
		return stanza.CondBadRequest, ""
	default:
		return stanza.CondInternalServerError, ""
	}
}
