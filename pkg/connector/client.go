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
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thfree/jcl/pkg/stanza"
)

var (
	// ErrFatal marks failures that must not be retried.
	ErrFatal = errors.New("fatal error")
	// ErrNotImplemented is returned on the first tick when no tick handler
	// was supplied.
	ErrNotImplemented = fmt.Errorf("%w: tick handler not implemented", ErrFatal)
)

// StanzaHandler answers the inbound stanzas and provides the presences sent
// when the link goes up or down.
type StanzaHandler interface {
	HandleStanza(ctx context.Context, st stanza.Stanza) []stanza.Stanza
	Authenticated(ctx context.Context) ([]stanza.Stanza, error)
	PresenceAll(ctx context.Context, typ stanza.PresenceType) ([]stanza.Stanza, error)
}

// TickFunc polls the external collaborators and returns the stanzas to send.
type TickFunc func(ctx context.Context) ([]stanza.Stanza, error)

type SupervisorState int32

const (
	StateDisconnected SupervisorState = iota
	StateConnecting
	StateRunning
	StateReconnecting
)

func (s SupervisorState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Supervisor owns the stream: it connects, pumps inbound stanzas through the
// handler, runs the tick every time unit and reconnects after failures.
//
// The pump runs in its own goroutine but only on request of the supervising
// goroutine, so ticks and protocol I/O never overlap on the connection.
type Supervisor struct {
	Stream  stanza.Stream
	Handler StanzaHandler
	Tick    TickFunc

	TimeUnit     time.Duration
	RestartDelay time.Duration
	// Restart enables reconnecting after the stream fails or ends.
	Restart bool
	// OnRunning is called once per successful connection, before the first
	// stanza is handled.
	OnRunning func()

	log       zerolog.Logger
	state     atomic.Int32
	stopOnce  sync.Once
	stopChan  chan struct{}
	reconnect chan struct{}
}

// NewSupervisor creates a supervisor ticking every minute and restarting
// after five time units.
func NewSupervisor(stream stanza.Stream, handler StanzaHandler, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		Stream:       stream,
		Handler:      handler,
		TimeUnit:     time.Minute,
		RestartDelay: 5 * time.Minute,
		log:          log.With().Str("component", "supervisor").Logger(),
		stopChan:     make(chan struct{}),
		reconnect:    make(chan struct{}, 1),
	}
}

func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

func (s *Supervisor) setState(state SupervisorState) {
	old := SupervisorState(s.state.Swap(int32(state)))
	if old != state {
		s.log.Debug().Stringer("from", old).Stringer("to", state).Msg("Supervisor state changed")
	}
}

// Stop ends the run loop at the next pump or tick boundary.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Reconnect makes the running loop disconnect cleanly and connect again
// without waiting for the restart delay.
func (s *Supervisor) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

type pumpResult struct {
	stanzas []stanza.Stanza
	err     error
}

// Run connects and serves the stream until it ends. It reports whether the
// caller should run again and after which delay, along with the failure
// that ended the loop. Connection failures and a clean close by the remote
// end always ask for a retry.
func (s *Supervisor) Run(ctx context.Context) (restart bool, delay time.Duration, err error) {
	if s.stopped() {
		return false, 0, nil
	}
	s.setState(StateConnecting)
	if err = s.Stream.Connect(ctx); err != nil {
		s.setState(StateDisconnected)
		s.log.Err(err).Dur("delay", s.RestartDelay).Msg("Failed to connect, retrying later")
		return true, s.RestartDelay, err
	}
	s.log.Info().Msg("Stream connected")
	if s.OnRunning != nil {
		s.OnRunning()
	}
	s.setState(StateRunning)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	requests := make(chan time.Duration)
	results := make(chan pumpResult, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for timeout := range requests {
			results <- s.pumpOnce(runCtx, timeout)
		}
	}()
	defer func() {
		close(requests)
		wg.Wait()
	}()

	if err = s.authenticated(runCtx); err != nil {
		return s.fail(ctx, err)
	}
	nextTick := time.Now()
	for {
		if now := time.Now(); !now.Before(nextTick) {
			nextTick = now.Add(s.TimeUnit)
			if err = s.tick(runCtx); err != nil {
				return s.fail(ctx, err)
			}
		}
		requests <- time.Until(nextTick)
		var res pumpResult
		select {
		case res = <-results:
		case <-s.stopChan:
			cancel()
			<-results
			return s.shutdown(ctx, false)
		case <-ctx.Done():
			<-results
			return s.shutdown(ctx, false)
		case <-s.reconnect:
			cancel()
			<-results
			return s.shutdown(ctx, true)
		}
		if res.err != nil {
			if errors.Is(res.err, stanza.ErrEOF) {
				return s.remoteClosed(ctx)
			}
			if ctx.Err() != nil {
				return s.shutdown(ctx, false)
			}
			return s.fail(ctx, res.err)
		}
		for _, st := range res.stanzas {
			if err = s.send(runCtx, s.Handler.HandleStanza(runCtx, st)); err != nil {
				return s.fail(ctx, err)
			}
		}
	}
}

func (s *Supervisor) pumpOnce(ctx context.Context, timeout time.Duration) (res pumpResult) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("Panic in event pump")
			res = pumpResult{err: fmt.Errorf("panic in event pump: %v", p)}
		}
	}()
	stanzas, err := s.Stream.Pump(ctx, max(timeout, 0))
	return pumpResult{stanzas: stanzas, err: err}
}

func (s *Supervisor) authenticated(ctx context.Context) error {
	probes, err := s.Handler.Authenticated(ctx)
	if err != nil {
		return fmt.Errorf("failed to build probes: %w", err)
	}
	return s.send(ctx, probes)
}

func (s *Supervisor) tick(ctx context.Context) (err error) {
	if s.Tick == nil {
		return ErrNotImplemented
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("Panic in tick")
			err = fmt.Errorf("panic in tick: %v", p)
		}
	}()
	out, err := s.Tick(ctx)
	if sendErr := s.send(ctx, out); sendErr != nil {
		return sendErr
	}
	if err != nil {
		return fmt.Errorf("tick failed: %w", err)
	}
	return nil
}

func (s *Supervisor) send(ctx context.Context, out []stanza.Stanza) error {
	for _, st := range out {
		if err := s.Stream.Send(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// flushUnavailable announces every user and account unavailable. The stream
// may already be gone, so failures are only logged.
func (s *Supervisor) flushUnavailable(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	out, err := s.Handler.PresenceAll(ctx, stanza.PresenceUnavailable)
	if err != nil {
		s.log.Err(err).Msg("Failed to build unavailable presences")
		return
	}
	if err = s.send(ctx, out); err != nil {
		s.log.Debug().Err(err).Msg("Failed to flush unavailable presences")
	}
}

func (s *Supervisor) disconnect() {
	if err := s.Stream.Disconnect(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to disconnect stream")
	}
}

func (s *Supervisor) shutdown(ctx context.Context, reconnect bool) (bool, time.Duration, error) {
	s.flushUnavailable(ctx)
	s.disconnect()
	s.setState(StateDisconnected)
	s.log.Info().Bool("reconnect", reconnect).Msg("Stream disconnected")
	return reconnect, 0, nil
}

// remoteClosed handles a stream the relay ended cleanly. The loop always
// comes back after the restart delay unless Stop was called.
func (s *Supervisor) remoteClosed(ctx context.Context) (bool, time.Duration, error) {
	s.log.Warn().Msg("Stream closed by remote end")
	s.flushUnavailable(ctx)
	if s.stopped() {
		s.setState(StateDisconnected)
		return false, 0, nil
	} else if s.Restart {
		s.setState(StateReconnecting)
	} else {
		s.setState(StateDisconnected)
	}
	return true, s.RestartDelay, nil
}

func (s *Supervisor) fail(_ context.Context, err error) (bool, time.Duration, error) {
	s.log.Err(err).Msg("Run loop failed")
	s.disconnect()
	if errors.Is(err, ErrFatal) {
		s.setState(StateDisconnected)
		return false, 0, err
	}
	return s.after(err)
}

func (s *Supervisor) after(err error) (bool, time.Duration, error) {
	if s.Restart && !s.stopped() {
		s.setState(StateReconnecting)
		return true, s.RestartDelay, err
	}
	s.setState(StateDisconnected)
	return false, 0, err
}

// Serve runs the loop until it asks not to restart, the context ends or Stop
// is called. Fatal failures are returned immediately.
func (s *Supervisor) Serve(ctx context.Context) error {
	for {
		restart, delay, err := s.Run(ctx)
		if err != nil && (errors.Is(err, ErrFatal) || !restart) {
			return err
		} else if !restart {
			return nil
		}
		if delay > 0 {
			s.log.Info().Dur("delay", delay).Msg("Restarting run loop after delay")
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		case <-s.stopChan:
			s.setState(StateDisconnected)
			return nil
		}
	}
}
