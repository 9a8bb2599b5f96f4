// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stanza

import (
	"context"
	"time"
)

// Stream is the component's link to the federated network.
//
// Pump blocks for at most timeout and returns the stanzas received in the
// meantime. It returns ErrEOF once the remote end closed the stream, and a
// *TransportError for connection failures. Connect and Send report
// connection failures as *TransportError as well.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Pump(ctx context.Context, timeout time.Duration) ([]Stanza, error)
	Send(ctx context.Context, st Stanza) error
}
