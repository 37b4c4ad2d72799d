// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package session runs one worker per bridged user against the remote chat
// service and carries the typed messages exchanged between those workers
// and the gateway.
package session

import (
	"errors"
	"io"
	"log"
	"sync"

	"mellium.im/xmpp/jid"

	"mellium.im/gate/remote"
)

var errConnLost = errors.New("session: connection to the remote service lost")

// eventBuf is the size of the shared worker-to-gateway event queue.
const eventBuf = 64

// A Registry owns the session workers of all bridged users and the shared
// queue their events are delivered on.
//
// All methods are safe for concurrent use.
type Registry struct {
	dialer remote.Dialer
	events chan Event
	logger *log.Logger
	debug  *log.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogging sets up the registry's log writers.
// The debug logger may be nil to discard debug output.
func WithLogging(logger, debug *log.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
		if debug != nil {
			r.debug = debug
		}
	}
}

// NewRegistry returns an empty registry whose workers will connect through
// dialer.
func NewRegistry(dialer remote.Dialer, opts ...RegistryOption) *Registry {
	r := &Registry{
		dialer:  dialer,
		events:  make(chan Event, eventBuf),
		logger:  log.New(io.Discard, "", 0),
		debug:   log.New(io.Discard, "", 0),
		workers: make(map[string]*Worker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Events returns the shared queue that all workers emit on.
// Events from one worker arrive in order; events from different workers are
// interleaved arbitrarily.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Spawn starts a worker for the bridged user and registers it.
// If a worker is already registered for the user it is returned unchanged;
// at most one worker per user exists at any time.
func (r *Registry) Spawn(account jid.JID, cred remote.Credential) *Worker {
	key := account.Bare().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[key]; ok {
		r.debug.Printf("session: worker for %s already running", key)
		return w
	}
	w := newWorker(account.Bare(), cred, r.dialer, r.events, r.logger, r.debug)
	r.workers[key] = w
	go w.run()
	return w
}

// Lookup returns the worker registered for the bridged user, or nil.
func (r *Registry) Lookup(account jid.JID) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[account.Bare().String()]
}

// Remove unregisters the bridged user's worker without stopping it.
// The caller is expected to have submitted a Disconnect already.
// Removing a user with no worker is a no-op.
func (r *Registry) Remove(account jid.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, account.Bare().String())
}

// Dispatch submits a control message to the bridged user's worker.
// If no worker is registered for the user the message is dropped.
func (r *Registry) Dispatch(account jid.JID, c Control) {
	if w := r.Lookup(account); w != nil {
		w.Send(c)
	}
}

// Accounts returns the bare addresses of all bridged users with a
// registered worker.
func (r *Registry) Accounts() []jid.JID {
	r.mu.Lock()
	defer r.mu.Unlock()
	accounts := make([]jid.JID, 0, len(r.workers))
	for _, w := range r.workers {
		accounts = append(accounts, w.account)
	}
	return accounts
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
