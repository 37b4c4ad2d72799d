// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"mellium.im/xmpp/jid"

	"mellium.im/gate/remote"
)

// Event is a message from a session worker to the gateway.
// It is one of ContactList, ConversationList, PresenceChange, ChatMessage,
// Typing, or Failure.
//
// Events from the same worker are delivered in order; no ordering is
// guaranteed between workers.
type Event interface {
	// User returns the bare address of the bridged user the event belongs
	// to.
	User() jid.JID
}

// ContactList replaces the user's contact directory wholesale.
// It is the first event a worker emits after connecting.
type ContactList struct {
	Account  jid.JID
	Contacts []remote.Contact
}

// ConversationList replaces the user's conversation directory wholesale.
// It is emitted directly after ContactList and before any other event.
type ConversationList struct {
	Account       jid.JID
	Conversations []remote.Conversation
}

// PresenceChange reports a change of a single contact's availability.
type PresenceChange struct {
	Account       jid.JID
	ContactID     string
	Status        remote.Status
	StatusMessage string
}

// ChatMessage reports an incoming message.
// For one to one chats ID is the sending contact's remote ID; for group
// chats it is the conversation ID and SenderID names the sending
// participant.
type ChatMessage struct {
	Account  jid.JID
	Type     remote.ChatType
	ID       string
	SenderID string
	Text     string
}

// Typing reports a typing state change.
// ID is addressed like ChatMessage's.
type Typing struct {
	Account  jid.JID
	Type     remote.ChatType
	ID       string
	SenderID string
	State    remote.TypingState
}

// Failure reports that the worker's remote session failed and the worker
// stopped.
// The gateway is expected to tear down the affected session and tell the
// user; other sessions are unaffected.
type Failure struct {
	Account jid.JID
	Err     error
}

func (e ContactList) User() jid.JID      { return e.Account }
func (e ConversationList) User() jid.JID { return e.Account }
func (e PresenceChange) User() jid.JID   { return e.Account }
func (e ChatMessage) User() jid.JID      { return e.Account }
func (e Typing) User() jid.JID           { return e.Account }
func (e Failure) User() jid.JID          { return e.Account }
