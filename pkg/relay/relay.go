// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay links the gateway component to a stanza relay over a
// websocket. Every frame is one JSON encoded stanza.Envelope.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/thfree/jcl/pkg/stanza"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	incomingSize = 64
)

var errNotConnected = errors.New("not connected")

// Client is a stanza.Stream backed by a websocket connection.
type Client struct {
	URL       string
	Secret    string
	Component stanza.JID
	Dialer    *websocket.Dialer

	log zerolog.Logger

	mu   sync.Mutex
	conn *conn
}

var _ stanza.Stream = (*Client)(nil)

// conn is the state of one websocket connection. A new one is created on
// every Connect so a reader left over from a previous link cannot leak
// stanzas into the next one.
type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	incoming chan stanza.Stanza
	stop     chan struct{}
	done     chan struct{}
	readErr  error
	wg       sync.WaitGroup
}

func New(url, secret string, component stanza.JID, log zerolog.Logger) *Client {
	return &Client{
		URL:       url,
		Secret:    secret,
		Component: component,
		Dialer:    websocket.DefaultDialer,
		log:       log.With().Str("component", "relay").Logger(),
	}
}

func httpToWS(url string) string {
	if rest, ok := strings.CutPrefix(url, "https://"); ok {
		return "wss://" + rest
	} else if rest, ok = strings.CutPrefix(url, "http://"); ok {
		return "ws://" + rest
	}
	return url
}

func (c *Client) current() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		select {
		case <-c.conn.done:
			_ = c.conn.release()
			c.conn = nil
		default:
			return &stanza.TransportError{Op: "connect", Err: errors.New("already connected")}
		}
	}
	header := http.Header{}
	if c.Secret != "" {
		header.Set("Authorization", "Bearer "+c.Secret)
	}
	if !c.Component.IsZero() {
		header.Set("X-Component", c.Component.String())
	}
	ws, resp, err := c.Dialer.DialContext(ctx, httpToWS(c.URL), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return &stanza.TransportError{Op: "connect", Err: err}
	}
	cn := &conn{
		ws:       ws,
		incoming: make(chan stanza.Stanza, incomingSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	cn.wg.Add(2)
	go c.readLoop(cn)
	go c.pingLoop(cn)
	c.conn = cn
	c.log.Info().Str("url", c.URL).Msg("Connected to relay")
	return nil
}

func (c *Client) readLoop(cn *conn) {
	defer cn.wg.Done()
	defer close(cn.done)
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.readErr = err
			return
		}
		var env stanza.Envelope
		if err = json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		st, err := env.Stanza()
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		select {
		case cn.incoming <- st:
		case <-cn.stop:
			return
		}
	}
}

func (c *Client) pingLoop(cn *conn) {
	defer cn.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		case <-cn.stop:
			return
		case <-cn.done:
			return
		}
	}
}

// Pump waits up to timeout for the first stanza, then returns it together
// with everything else already received.
func (c *Client) Pump(ctx context.Context, timeout time.Duration) ([]stanza.Stanza, error) {
	cn := c.current()
	if cn == nil {
		return nil, &stanza.TransportError{Op: "read", Err: errNotConnected}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var out []stanza.Stanza
	select {
	case st := <-cn.incoming:
		out = append(out, st)
	case <-cn.done:
		if out = drain(cn, nil); len(out) > 0 {
			return out, nil
		}
		return nil, readError(cn.readErr)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return drain(cn, out), nil
}

func drain(cn *conn, out []stanza.Stanza) []stanza.Stanza {
	for {
		select {
		case st := <-cn.incoming:
			out = append(out, st)
		default:
			return out
		}
	}
}

func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return stanza.ErrEOF
	}
	return &stanza.TransportError{Op: "read", Err: err}
}

func (c *Client) Send(_ context.Context, st stanza.Stanza) error {
	cn := c.current()
	if cn == nil {
		return &stanza.TransportError{Op: "send", Err: errNotConnected}
	}
	env, err := stanza.Wrap(st)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode stanza: %w", err)
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err = cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &stanza.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Disconnect sends a close frame and waits for the reader to stop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	cn.writeMu.Lock()
	err := cn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout),
	)
	cn.writeMu.Unlock()
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	closeErr := cn.release()
	c.log.Info().Msg("Disconnected from relay")
	return errors.Join(err, closeErr)
}

// release closes the socket and waits for the connection goroutines.
func (cn *conn) release() error {
	select {
	case <-cn.stop:
	default:
		close(cn.stop)
	}
	err := cn.ws.Close()
	cn.wg.Wait()
	return err
}
