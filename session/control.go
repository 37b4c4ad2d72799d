// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/remote"
)

// Control is a message from the gateway to a session worker.
// It is one of Connect, Disconnect, SetPresence, SendChat, or SendTyping.
//
// Delivery is fire and forget: messages submitted to a stopped worker are
// dropped, and no ordering is guaranteed between different senders.
type Control interface {
	control()
}

// Connect marks the worker's session as connected.
type Connect struct{}

// Disconnect closes the remote connection and stops the worker.
// It is terminal: no control message submitted after it is processed.
type Disconnect struct{}

// SetPresence records the bridged user's own presence.
// The remote service has no rich presence push, so this is informational
// only.
type SetPresence struct {
	Type stanza.PresenceType
	Show string
}

// SendChat forwards a text message to a remote conversation.
// For one to one chats Target is the remote contact ID; for group chats it
// is the conversation ID.
type SendChat struct {
	Type   remote.ChatType
	Target string
	Text   string
}

// SendTyping forwards a typing state change to a remote conversation.
// Target is addressed like SendChat's.
type SendTyping struct {
	Type   remote.ChatType
	Target string
	State  remote.TypingState
}

func (Connect) control()     {}
func (Disconnect) control()  {}
func (SetPresence) control() {}
func (SendChat) control()    {}
func (SendTyping) control()  {}
