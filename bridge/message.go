// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/remote"
	"mellium.im/gate/session"
)

// messageBody is the decoded interesting subset of an inbound message.
type messageBody struct {
	stanza.Message
	Body      string    `xml:"body"`
	Subject   *string   `xml:"subject"`
	Composing *struct{} `xml:"http://jabber.org/protocol/chatstates composing"`
}

func decodeMessage(t xml.TokenReader) (messageBody, error) {
	var msg messageBody
	d := xml.NewTokenDecoder(t)
	err := d.Decode(&msg)
	if err == io.EOF {
		err = nil
	}
	return msg, err
}

// handleChat relays one to one messages to the chat service.
// An empty body is a chat state notification and becomes a typing
// update instead.
func (g *Gateway) handleChat(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	msg, err := decodeMessage(t)
	if err != nil {
		return err
	}
	if g.isRoom(m.To) {
		return g.relayGroupChat(m, msg, t)
	}
	return g.relayChat(m, msg, t)
}

// handleNormal treats messages of type normal like chat messages with
// respect to chat states, but drops any body.
func (g *Gateway) handleNormal(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	msg, err := decodeMessage(t)
	if err != nil {
		return err
	}
	if msg.Body != "" {
		g.debug.Printf("dropping normal message from %s", m.From)
		return nil
	}
	return g.relayChat(m, msg, t)
}

func (g *Gateway) handleHeadline(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	return messageError(t, m, stanza.BadRequest)
}

// handleGroupChat relays groupchat messages addressed to a room.
func (g *Gateway) handleGroupChat(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	msg, err := decodeMessage(t)
	if err != nil {
		return err
	}
	if !g.isRoom(m.To) {
		g.debug.Printf("ignoring groupchat message from %s to foreign address %s", m.From, m.To)
		return nil
	}
	return g.relayGroupChat(m, msg, t)
}

func (g *Gateway) relayChat(m stanza.Message, msg messageBody, t xmlstream.TokenReadEncoder) error {
	account := m.From.Bare()
	if m.To.Localpart() == "" {
		return messageError(t, m, stanza.BadRequest)
	}

	g.mu.Lock()
	us := g.user(account)
	g.mu.Unlock()
	if us == nil {
		return messageError(t, m, stanza.RegistrationRequired)
	}
	if !g.isContact(m.To) {
		g.debug.Printf("ignoring message from %s to foreign address %s", m.From, m.To)
		return nil
	}

	target := m.To.Localpart()
	if msg.Body == "" {
		state := remote.TypingPaused
		if msg.Composing != nil {
			state = remote.TypingStarted
		}
		g.registry.Dispatch(account, session.SendTyping{
			Type:   remote.ChatOneToOne,
			Target: target,
			State:  state,
		})
		return nil
	}
	g.registry.Dispatch(account, session.SendChat{
		Type:   remote.ChatOneToOne,
		Target: target,
		Text:   msg.Body,
	})
	return nil
}

func (g *Gateway) relayGroupChat(m stanza.Message, msg messageBody, t xmlstream.TokenReadEncoder) error {
	account := m.From.Bare()

	g.mu.Lock()
	us := g.user(account)
	known := us != nil && us.convs[m.To.Localpart()] != nil
	g.mu.Unlock()
	if us == nil {
		return messageError(t, m, stanza.RegistrationRequired)
	}
	if msg.Subject != nil {
		return messageError(t, m, stanza.FeatureNotImplemented)
	}
	if m.To.Resourcepart() != "" {
		return messageError(t, m, stanza.FeatureNotImplemented)
	}
	if !known {
		g.debug.Printf("dropping message from %s to unknown room %s", m.From, m.To)
		return nil
	}

	if msg.Body == "" {
		state := remote.TypingPaused
		if msg.Composing != nil {
			state = remote.TypingStarted
		}
		g.registry.Dispatch(account, session.SendTyping{
			Type:   remote.ChatGroup,
			Target: m.To.Localpart(),
			State:  state,
		})
		return nil
	}
	g.registry.Dispatch(account, session.SendChat{
		Type:   remote.ChatGroup,
		Target: m.To.Localpart(),
		Text:   msg.Body,
	})
	return nil
}
