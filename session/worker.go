// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"log"

	"mellium.im/xmpp/jid"

	"mellium.im/gate/remote"
)

// controlBuf is the size of a worker's control queue.
// Senders never block on a live worker unless the worker has fallen this
// far behind on remote I/O.
const controlBuf = 16

// A Worker owns one bridged user's connection to the remote service.
//
// All remote I/O for the user happens on the worker's own loop: control
// messages submitted with Send and events arriving from the remote client
// are interleaved there, so no two remote operations for the same user ever
// run concurrently and one user's latency never stalls another user or the
// gateway.
type Worker struct {
	account jid.JID
	cred    remote.Credential
	dialer  remote.Dialer
	events  chan<- Event
	ctrl    chan Control
	done    chan struct{}
	logger  *log.Logger
	debug   *log.Logger

	// Owned by the run loop.
	client    remote.Client
	contacts  map[string]remote.Contact
	convs     map[string]remote.Conversation
	connected bool
	ptype     string
	show      string
}

func newWorker(account jid.JID, cred remote.Credential, dialer remote.Dialer, events chan<- Event, logger, debug *log.Logger) *Worker {
	return &Worker{
		account: account,
		cred:    cred,
		dialer:  dialer,
		events:  events,
		ctrl:    make(chan Control, controlBuf),
		done:    make(chan struct{}),
		logger:  logger,
		debug:   debug,
	}
}

// Account returns the bare address of the bridged user the worker serves.
func (w *Worker) Account() jid.JID {
	return w.account
}

// Send submits a control message to the worker's loop.
// It never blocks on a stopped worker; messages submitted after the worker
// stopped are dropped.
func (w *Worker) Send(c Control) {
	select {
	case <-w.done:
	case w.ctrl <- c:
	}
}

// Done is closed once the worker's loop has exited and its remote
// connection is closed.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)

	// There is no timeout based cancellation of remote operations: a worker
	// runs until it is told to disconnect or its connection fails.
	ctx := context.Background()

	client, err := w.dialer.Dial(ctx, w.cred)
	if err != nil {
		w.logger.Printf("session: connect for %s failed: %v", w.account, err)
		w.emit(Failure{Account: w.account, Err: err})
		return
	}
	w.client = client

	if err := w.sync(ctx); err != nil {
		w.logger.Printf("session: directory sync for %s failed: %v", w.account, err)
		if err := client.Close(); err != nil {
			w.debug.Printf("session: closing %s after failed sync: %v", w.account, err)
		}
		w.emit(Failure{Account: w.account, Err: err})
		return
	}

	for {
		select {
		case c := <-w.ctrl:
			if w.handle(ctx, c) {
				if err := client.Close(); err != nil {
					w.debug.Printf("session: disconnecting %s: %v", w.account, err)
				}
				return
			}
		case ev, ok := <-client.Events():
			if !ok {
				w.logger.Printf("session: remote connection for %s lost", w.account)
				w.emit(Failure{Account: w.account, Err: errConnLost})
				return
			}
			w.remoteEvent(ev)
		}
	}
}

// sync fetches the full directories, merges a batched presence query into
// the contact list, and emits the two snapshot events.
// The snapshots are always the first events the gateway sees from this
// worker.
func (w *Worker) sync(ctx context.Context) error {
	contacts, convs, err := w.client.Directory(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	presence, err := w.client.QueryPresence(ctx, ids)
	if err != nil {
		// Presence is best effort, the directory is still usable.
		w.debug.Printf("session: presence query for %s failed: %v", w.account, err)
	}
	for i, c := range contacts {
		if p, ok := presence[c.ID]; ok {
			contacts[i].Status = p.Status
			contacts[i].StatusMessage = p.StatusMessage
		}
	}

	w.contacts = make(map[string]remote.Contact, len(contacts))
	for _, c := range contacts {
		w.contacts[c.ID] = c
	}
	w.convs = make(map[string]remote.Conversation, len(convs))
	for _, c := range convs {
		w.convs[c.ID] = c
	}

	w.emit(ContactList{Account: w.account, Contacts: contacts})
	w.emit(ConversationList{Account: w.account, Conversations: convs})
	return nil
}

// handle applies one control message.
// It reports whether the message was terminal.
func (w *Worker) handle(ctx context.Context, c Control) bool {
	switch c := c.(type) {
	case Disconnect:
		return true
	case Connect:
		w.connected = true
	case SetPresence:
		w.ptype = string(c.Type)
		w.show = c.Show
	case SendChat:
		conv, ok := w.resolve(c.Type, c.Target)
		if !ok {
			w.debug.Printf("session: dropping message for %s, no conversation for %q", w.account, c.Target)
			return false
		}
		if err := w.client.SendText(ctx, conv.ID, c.Text); err != nil {
			w.logger.Printf("session: sending message for %s failed: %v", w.account, err)
		}
	case SendTyping:
		conv, ok := w.resolve(c.Type, c.Target)
		if !ok {
			w.debug.Printf("session: dropping typing update for %s, no conversation for %q", w.account, c.Target)
			return false
		}
		state := remote.TypingPaused
		if c.State == remote.TypingStarted {
			state = remote.TypingStarted
		}
		if err := w.client.SendTyping(ctx, conv.ID, state); err != nil {
			w.logger.Printf("session: sending typing update for %s failed: %v", w.account, err)
		}
	}
	return false
}

// resolve maps a control message target to a conversation: group targets
// are conversation IDs, one to one targets are contact IDs looked up in the
// direct conversation directory.
func (w *Worker) resolve(typ remote.ChatType, target string) (remote.Conversation, bool) {
	if typ == remote.ChatGroup {
		conv, ok := w.convs[target]
		return conv, ok
	}
	for _, conv := range w.convs {
		if conv.Type != remote.ChatOneToOne {
			continue
		}
		if _, ok := conv.Participants[target]; ok && target != conv.SelfID {
			return conv, true
		}
	}
	return remote.Conversation{}, false
}

// remoteEvent converts one remote event into at most one gateway event.
// Events caused by the bridged user's own actions are dropped so they are
// not echoed back.
func (w *Worker) remoteEvent(ev remote.Event) {
	switch ev := ev.(type) {
	case remote.PresenceChanged:
		if c, ok := w.contacts[ev.ContactID]; ok {
			c.Status = ev.Status
			c.StatusMessage = ev.StatusMessage
			w.contacts[ev.ContactID] = c
		}
		w.emit(PresenceChange{
			Account:       w.account,
			ContactID:     ev.ContactID,
			Status:        ev.Status,
			StatusMessage: ev.StatusMessage,
		})
	case remote.Message:
		if ev.SenderIsSelf {
			return
		}
		msg := ChatMessage{
			Account:  w.account,
			Type:     ev.Type,
			SenderID: ev.SenderID,
			Text:     ev.Text,
		}
		if ev.Type == remote.ChatGroup {
			msg.ID = ev.ConvID
		} else {
			msg.ID = ev.SenderID
		}
		w.emit(msg)
	case remote.Typing:
		if ev.IsSelf {
			return
		}
		t := Typing{
			Account:  w.account,
			Type:     ev.Type,
			SenderID: ev.ContactID,
			State:    ev.State,
		}
		if ev.Type == remote.ChatGroup {
			t.ID = ev.ConvID
		} else {
			t.ID = ev.ContactID
		}
		w.emit(t)
	}
}

func (w *Worker) emit(ev Event) {
	w.events <- ev
}
