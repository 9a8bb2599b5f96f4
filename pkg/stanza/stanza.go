// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package stanza holds the already-parsed protocol messages exchanged with
// the federated network and the transport contract that carries them.
package stanza

// Kind identifies one of the three stanza families.
type Kind string

const (
	KindPresence Kind = "presence"
	KindMessage  Kind = "message"
	KindIQ       Kind = "iq"
)

// Stanza is implemented by *Presence, *Message and *IQ.
type Stanza interface {
	StanzaKind() Kind
	Sender() JID
	Recipient() JID
	Language() string
}

type PresenceType string

const (
	PresenceAvailable    PresenceType = ""
	PresenceUnavailable  PresenceType = "unavailable"
	PresenceSubscribe    PresenceType = "subscribe"
	PresenceSubscribed   PresenceType = "subscribed"
	PresenceUnsubscribe  PresenceType = "unsubscribe"
	PresenceUnsubscribed PresenceType = "unsubscribed"
	PresenceProbe        PresenceType = "probe"
	PresenceError        PresenceType = "error"
)

// IsAvailability reports whether t is an availability change rather than a
// subscription request.
func (t PresenceType) IsAvailability() bool {
	return t == PresenceAvailable || t == PresenceUnavailable
}

type Show string

const (
	ShowNone Show = ""
	ShowAway Show = "away"
	ShowChat Show = "chat"
	ShowDND  Show = "dnd"
	ShowXA   Show = "xa"
)

type Presence struct {
	ID     string       `json:"id,omitempty"`
	From   JID          `json:"from"`
	To     JID          `json:"to"`
	Type   PresenceType `json:"type,omitempty"`
	Show   Show         `json:"show,omitempty"`
	Status string       `json:"status,omitempty"`
	Lang   string       `json:"lang,omitempty"`
	Error  *Error       `json:"error,omitempty"`
}

func (p *Presence) StanzaKind() Kind { return KindPresence }
func (p *Presence) Sender() JID { return p.From }
func (p *Presence) Recipient() JID { return p.To }
func (p *Presence) Language() string { return p.Lang }

type MessageType string

const (
	MessageNormal    MessageType = "normal"
	MessageChat      MessageType = "chat"
	MessageHeadline  MessageType = "headline"
	MessageGroupchat MessageType = "groupchat"
	MessageError     MessageType = "error"
)

type Message struct {
	ID      string      `json:"id,omitempty"`
	From    JID         `json:"from"`
	To      JID         `json:"to"`
	Type    MessageType `json:"type,omitempty"`
	Subject string      `json:"subject,omitempty"`
	Body    string      `json:"body,omitempty"`
	Thread  string      `json:"thread,omitempty"`
	Lang    string      `json:"lang,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

func (m *Message) StanzaKind() Kind { return KindMessage }
func (m *Message) Sender() JID { return m.From }
func (m *Message) Recipient() JID { return m.To }
func (m *Message) Language() string { return m.Lang }

type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

type IQ struct {
	ID      string
	From    JID
	To      JID
	Type    IQType
	Lang    string
	Payload Payload
	Error   *Error
}

func (iq *IQ) StanzaKind() Kind { return KindIQ }
func (iq *IQ) Sender() JID { return iq.From }
func (iq *IQ) Recipient() JID { return iq.To }
func (iq *IQ) Language() string { return iq.Lang }

// Namespace returns the namespace of the payload, or "" for an empty IQ.
func (iq *IQ) Namespace() string {
	if iq.Payload == nil {
		return ""
	}
	return iq.Payload.Namespace()
}

// Result builds the result reply to a get or set, optionally carrying a payload.
func (iq *IQ) Result(payload Payload) *IQ {
	return &IQ{
		ID:      iq.ID,
		From:    iq.To,
		To:      iq.From,
		Type:    IQResult,
		Lang:    iq.Lang,
		Payload: payload,
	}
}

// ErrorReply builds an error reply carrying the original payload.
func (iq *IQ) ErrorReply(cond Condition, text string) *IQ {
	return &IQ{
		ID:      iq.ID,
		From:    iq.To,
		To:      iq.From,
		Type:    IQError,
		Lang:    iq.Lang,
		Payload: iq.Payload,
		Error:   NewError(cond, text),
	}
}

// ErrorReply builds the error stanza answering st, from its recipient back
// to its sender. Error stanzas are never answered and yield nil.
func ErrorReply(st Stanza, cond Condition, text string) Stanza {
	switch s := st.(type) {
	case *IQ:
		if s.Type == IQError || s.Type == IQResult {
			return nil
		}
		return s.ErrorReply(cond, text)
	case *Message:
		if s.Type == MessageError {
			return nil
		}
		return &Message{
			ID: s.ID, From: s.To, To: s.From, Type: MessageError,
			Subject: s.Subject, Body: s.Body, Lang: s.Lang,
			Error: NewError(cond, text),
		}
	case *Presence:
		if s.Type == PresenceError {
			return nil
		}
		return &Presence{
			ID: s.ID, From: s.To, To: s.From, Type: PresenceError, Lang: s.Lang,
			Error: NewError(cond, text),
		}
	default:
		return nil
	}
}

var (
	_ Stanza = (*Presence)(nil)
	_ Stanza = (*Message)(nil)
	_ Stanza = (*IQ)(nil)
)
