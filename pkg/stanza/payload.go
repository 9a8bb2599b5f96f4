// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stanza

import (
	"github.com/thfree/jcl/pkg/dataform"
)

const (
	NSCommands   = "http://jabber.org/protocol/commands"
	NSDataForms  = "jabber:x:data"
	NSDiscoInfo  = "http://jabber.org/protocol/disco#info"
	NSDiscoItems = "http://jabber.org/protocol/disco#items"
	NSGateway    = "jabber:iq:gateway"
	NSLast       = "jabber:iq:last"
	NSRegister   = "jabber:iq:register"
	NSVCard      = "vcard-temp"
	NSVersion    = "jabber:iq:version"
)

// Payload is the typed child element of an IQ.
type Payload interface {
	Namespace() string
}

type Identity struct {
	Category string `json:"category"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
}

type DiscoInfo struct {
	Node       string     `json:"node,omitempty"`
	Identities []Identity `json:"identities,omitempty"`
	Features   []string   `json:"features,omitempty"`
}

func (*DiscoInfo) Namespace() string { return NSDiscoInfo }

// HasFeature reports whether var is advertised.
func (d *DiscoInfo) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

type DiscoItem struct {
	JID  JID    `json:"jid"`
	Node string `json:"node,omitempty"`
	Name string `json:"name,omitempty"`
}

type DiscoItems struct {
	Node  string      `json:"node,omitempty"`
	Items []DiscoItem `json:"items,omitempty"`
}

func (*DiscoItems) Namespace() string { return NSDiscoItems }

type Register struct {
	Instructions string         `json:"instructions,omitempty"`
	Registered   bool           `json:"registered,omitempty"`
	Remove       bool           `json:"remove,omitempty"`
	Form         *dataform.Form `json:"form,omitempty"`
}

func (*Register) Namespace() string { return NSRegister }

type Version struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	OS      string `json:"os,omitempty"`
}

func (*Version) Namespace() string { return NSVersion }

type Gateway struct {
	Desc   string `json:"desc,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	JID    JID    `json:"jid,omitzero"`
}

func (*Gateway) Namespace() string { return NSGateway }

type CommandStatus string

const (
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandCanceled  CommandStatus = "canceled"
)

type CommandAction string

const (
	ActionExecute  CommandAction = "execute"
	ActionComplete CommandAction = "complete"
	ActionNext     CommandAction = "next"
	ActionCancel   CommandAction = "cancel"
)

type Note struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Command struct {
	Node      string          `json:"node"`
	SessionID string          `json:"sessionid,omitempty"`
	Action    CommandAction   `json:"action,omitempty"`
	Status    CommandStatus   `json:"status,omitempty"`
	Actions   []CommandAction `json:"actions,omitempty"`
	Notes     []Note          `json:"notes,omitempty"`
	Form      *dataform.Form  `json:"form,omitempty"`
}

func (*Command) Namespace() string { return NSCommands }

type Last struct {
	Seconds int64 `json:"seconds"`
}

func (*Last) Namespace() string { return NSLast }

type VCard struct {
	FullName string `json:"fn,omitempty"`
	URL      string `json:"url,omitempty"`
	Desc     string `json:"desc,omitempty"`
}

func (*VCard) Namespace() string { return NSVCard }

var payloadTypes = map[string]func() Payload{
	NSDiscoInfo:  func() Payload { return &DiscoInfo{} },
	NSDiscoItems: func() Payload { return &DiscoItems{} },
	NSRegister:   func() Payload { return &Register{} },
	NSVersion:    func() Payload { return &Version{} },
	NSGateway:    func() Payload { return &Gateway{} },
	NSCommands:   func() Payload { return &Command{} },
	NSLast:       func() Payload { return &Last{} },
	NSVCard:      func() Payload { return &VCard{} },
}
