// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package remote defines the boundary between the gateway and the chat
// service it bridges to.
//
// The service is session oriented: a client authenticates with a stored
// credential, fetches a directory of contacts and conversations, and then
// receives events for presence changes, messages, and typing notifications
// until it disconnects.
// The concrete wire protocol lives behind the Client and Dialer interfaces;
// see the ws subpackage for the WebSocket implementation.
package remote

import (
	"context"
	"fmt"
)

// Status is a contact's availability on the remote service.
type Status string

// Valid statuses.
// There is no rich presence on the remote side, reachable-but-idle contacts
// are reported as away.
const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// TypingState is the state of a conversation's typing indicator.
type TypingState string

// Valid typing states.
const (
	TypingUnknown TypingState = "unknown"
	TypingStarted TypingState = "started"
	TypingPaused  TypingState = "paused"
	TypingStopped TypingState = "stopped"
)

// ChatType distinguishes direct conversations from group conversations.
type ChatType string

// Valid chat types.
const (
	ChatOneToOne ChatType = "one_to_one"
	ChatGroup    ChatType = "group"
)

// Credential is the stored material used to authenticate a session.
type Credential struct {
	URL   string
	Token string
}

// Contact is an entry in the remote directory.
type Contact struct {
	ID            string
	Name          string
	FullName      string
	Emails        []string
	Phones        []string
	AvatarURL     string
	Status        Status
	StatusMessage string
}

// Presence is the result of a batched presence query for one contact.
type Presence struct {
	Status        Status
	StatusMessage string
}

// Conversation is an entry in the remote conversation directory.
// Participants maps remote contact IDs to the nickname the service shows
// for them in this conversation.
type Conversation struct {
	ID           string
	Type         ChatType
	Topic        string
	Participants map[string]string
	SelfID       string
}

// Event is a notification pushed by the remote service.
// It is one of PresenceChanged, Message, or Typing.
type Event interface {
	remoteEvent()
}

// PresenceChanged reports that a contact's availability changed.
type PresenceChanged struct {
	ContactID     string
	Status        Status
	StatusMessage string
}

// Message reports an incoming conversation message.
type Message struct {
	ConvID       string
	Type         ChatType
	SenderID     string
	SenderIsSelf bool
	Text         string
}

// Typing reports a change of a conversation's typing indicator.
type Typing struct {
	ConvID    string
	Type      ChatType
	ContactID string
	IsSelf    bool
	State     TypingState
}

func (PresenceChanged) remoteEvent() {}
func (Message) remoteEvent()         {}
func (Typing) remoteEvent()          {}

// Client is an authenticated session against the remote service.
//
// A Client is not safe for concurrent use; the session worker that owns it
// is its only caller.
type Client interface {
	// Directory fetches the full contact and conversation directories.
	Directory(ctx context.Context) ([]Contact, []Conversation, error)

	// QueryPresence performs a batched presence query for the given contact
	// IDs.
	QueryPresence(ctx context.Context, ids []string) (map[string]Presence, error)

	// SendText sends a text message to the conversation.
	SendText(ctx context.Context, convID, text string) error

	// SendTyping updates the typing indicator of the conversation.
	SendTyping(ctx context.Context, convID string, state TypingState) error

	// Events returns the channel on which the service delivers events.
	// It is closed when the connection is lost or the client is closed.
	Events() <-chan Event

	// Close disconnects from the service.
	Close() error
}

// Dialer connects and authenticates sessions against the remote service.
type Dialer interface {
	// Dial connects using the stored credential and returns once the
	// connection has completed, with directories and event streams ready to
	// be used.
	Dial(ctx context.Context, cred Credential) (Client, error)
}

// AuthError is returned by a Dialer when the remote service rejects the
// stored credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote: authentication failed: %s", e.Reason)
}
