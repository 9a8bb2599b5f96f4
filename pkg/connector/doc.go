// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a gateway component that bridges legacy
// accounts (mailboxes, feeds) of many users onto a federated messaging
// network.
//
// Every user owns accounts of one or more declared kinds. Each account gets
// its own address under the component domain, and the external contacts it
// multiplexes get legacy addresses (user%example.org@component).
//
// # Core Types
//
// [Gateway] wires the components below behind a stanza [Router]. Handlers
// are registered at startup and frozen before the [Supervisor] enters the
// running state.
//
// [AccountManager] handles registration: it renders the account schema as a
// data form, validates submissions and records per-account errors.
//
// [PresenceManager] computes the presence cascades between the component,
// the accounts and their legacy identities.
//
// [DiscoResolver] maps disco nodes to the kinds, accounts and commands the
// requester may see, and [CommandRegistry] runs the ad-hoc commands.
//
// [Supervisor] owns the stream: it pumps inbound stanzas, runs the feeder
// tick every time unit and reconnects after failures.
//
// # Sub-packages
//
//   - schema declares account kinds and converts them to and from data forms.
package connector
