// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package gate assembles the XMPP to chat service gateway.
//
// It owns the component stream lifecycle: dialing, serving inbound
// stanzas through the bridge, and reconnecting with a fixed delay when
// the stream dies.
// The protocol translation itself lives in the bridge package, the per
// user service connections in the session package.
package gate // import "mellium.im/gate"

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"mellium.im/gate/bridge"
	"mellium.im/gate/remote"
	"mellium.im/gate/session"
)

// Stream is the gateway's view of the component connection.
// It is satisfied by *xmpp.Session.
type Stream interface {
	Send(ctx context.Context, r xml.TokenReader) error
	Serve(h xmpp.Handler) error
	Close() error
}

// Config configures a Bridge.
type Config struct {
	// JID is the component's address.
	JID jid.JID

	// MUC is the conference service address.
	// Leave it empty to disable group chat.
	MUC jid.JID

	// Name and RegisterURL are presented to users in service discovery
	// and registration forms.
	Name        string
	RegisterURL string

	// Store persists registrations.
	Store bridge.CredentialStore

	// Dialer connects user sessions to the chat service.
	Dialer remote.Dialer

	// Dial establishes the component stream.
	// It is called again, after RetryDelay, every time the stream dies.
	Dial func(ctx context.Context) (Stream, error)

	// RetryDelay is the pause between reconnection attempts.
	// Zero means 5 seconds.
	RetryDelay time.Duration

	// Logger and Debug receive operational logs and verbose traces.
	// Either may be nil.
	Logger *log.Logger
	Debug  *log.Logger
}

// Bridge runs the gateway against a component stream.
type Bridge struct {
	cfg      Config
	registry *session.Registry
	logger   *log.Logger
	debug    *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New returns an unstarted bridge.
func New(cfg Config) (*Bridge, error) {
	switch {
	case cfg.JID.Equal(jid.JID{}):
		return nil, errors.New("gate: a component address is required")
	case cfg.Store == nil:
		return nil, errors.New("gate: a credential store is required")
	case cfg.Dialer == nil:
		return nil, errors.New("gate: a service dialer is required")
	case cfg.Dial == nil:
		return nil, errors.New("gate: a stream dial function is required")
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Debug == nil {
		cfg.Debug = log.New(io.Discard, "", 0)
	}
	return &Bridge{
		cfg:      cfg,
		registry: session.NewRegistry(cfg.Dialer, session.WithLogging(cfg.Logger, cfg.Debug)),
		logger:   cfg.Logger,
		debug:    cfg.Debug,
		stop:     make(chan struct{}),
	}, nil
}

// Run connects the component stream and serves it until ctx is
// canceled or Stop is called.
// A dead stream tears down all user sessions and is redialed after the
// configured delay.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.stopRequested() {
			return nil
		}

		stream, err := b.cfg.Dial(ctx)
		if err != nil {
			b.logger.Printf("gate: connecting component stream: %v", err)
			if err := b.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		b.serveStream(ctx, stream)

		if err := ctx.Err(); err != nil {
			return err
		}
		if b.stopRequested() {
			return nil
		}
		b.logger.Printf("gate: component stream lost, reconnecting in %s", b.cfg.RetryDelay)
		if err := b.sleep(ctx); err != nil {
			return err
		}
	}
}

// serveStream runs one component stream to completion.
func (b *Bridge) serveStream(ctx context.Context, stream Stream) {
	g := bridge.New(bridge.Config{
		JID:         b.cfg.JID,
		MUC:         b.cfg.MUC,
		Name:        b.cfg.Name,
		RegisterURL: b.cfg.RegisterURL,
		Logger:      b.logger,
		Debug:       b.debug,
	}, b.cfg.Store, b.registry, stream)

	serveCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Serve(serveCtx)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-serveCtx.Done():
		case <-b.stop:
		}
		if err := stream.Close(); err != nil {
			b.debug.Printf("gate: closing component stream: %v", err)
		}
	}()

	if err := stream.Serve(g.Mux()); err != nil {
		b.logger.Printf("gate: component stream ended: %v", err)
	}

	// Announce the outage and drop every user session before the
	// dispatcher stops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	g.Shutdown(shutdownCtx)
	shutdownCancel()

	cancel()
	wg.Wait()
	if n := b.registry.Len(); n > 0 {
		b.logger.Printf("gate: %d user sessions still winding down", n)
	}
}

// Stop requests that Run return after tearing down the current stream.
// It is safe to call from any goroutine, including signal handlers.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Bridge) stopRequested() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *Bridge) sleep(ctx context.Context) error {
	select {
	case <-time.After(b.cfg.RetryDelay):
		return nil
	case <-b.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
