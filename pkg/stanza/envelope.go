// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stanza

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON frame used by the relay transport. Exactly one of
// Presence, Message or IQ is set, matching Kind.
type Envelope struct {
	Kind     Kind      `json:"kind"`
	Presence *Presence `json:"presence,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	IQ       *IQ       `json:"iq,omitempty"`
}

// Wrap puts a stanza into an envelope.
func Wrap(st Stanza) (*Envelope, error) {
	switch s := st.(type) {
	case *Presence:
		return &Envelope{Kind: KindPresence, Presence: s}, nil
	case *Message:
		return &Envelope{Kind: KindMessage, Message: s}, nil
	case *IQ:
		return &Envelope{Kind: KindIQ, IQ: s}, nil
	default:
		return nil, fmt.Errorf("unsupported stanza type %T", st)
	}
}

// Stanza unwraps the envelope.
func (e *Envelope) Stanza() (Stanza, error) {
	switch {
	case e.Kind == KindPresence && e.Presence != nil:
		return e.Presence, nil
	case e.Kind == KindMessage && e.Message != nil:
		return e.Message, nil
	case e.Kind == KindIQ && e.IQ != nil:
		return e.IQ, nil
	default:
		return nil, fmt.Errorf("malformed envelope of kind %q", e.Kind)
	}
}

type rawIQ struct {
	ID        string          `json:"id,omitempty"`
	From      JID             `json:"from"`
	To        JID             `json:"to"`
	Type      IQType          `json:"type"`
	Lang      string          `json:"lang,omitempty"`
	Namespace string          `json:"ns,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

func (iq *IQ) MarshalJSON() ([]byte, error) {
	raw := rawIQ{
		ID:    iq.ID,
		From:  iq.From,
		To:    iq.To,
		Type:  iq.Type,
		Lang:  iq.Lang,
		Error: iq.Error,
	}
	if iq.Payload != nil {
		data, err := json.Marshal(iq.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", iq.Payload.Namespace(), err)
		}
		raw.Namespace = iq.Payload.Namespace()
		raw.Payload = data
	}
	return json.Marshal(&raw)
}

func (iq *IQ) UnmarshalJSON(data []byte) error {
	var raw rawIQ
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*iq = IQ{
		ID:    raw.ID,
		From:  raw.From,
		To:    raw.To,
		Type:  raw.Type,
		Lang:  raw.Lang,
		Error: raw.Error,
	}
	if raw.Namespace == "" {
		return nil
	}
	newPayload, ok := payloadTypes[raw.Namespace]
	if !ok {
		return fmt.Errorf("unknown iq namespace %q", raw.Namespace)
	}
	payload := newPayload()
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", raw.Namespace, err)
		}
	}
	iq.Payload = payload
	return nil
}
