// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"encoding/xml"
	"sort"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/remote"
	"mellium.im/gate/session"
)

// Serve consumes session events and turns them into outbound stanzas
// until ctx is canceled.
// Events already queued when the context ends are still drained.
func (g *Gateway) Serve(ctx context.Context) {
	events := g.registry.Events()
	for {
		select {
		case ev := <-events:
			g.apply(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					g.apply(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// apply translates one session event while holding the gateway state
// lock.
func (g *Gateway) apply(ctx context.Context, ev session.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	account := ev.User().Bare()
	us := g.users[account.String()]

	switch ev := ev.(type) {
	case session.ContactList:
		if us == nil {
			return
		}
		us.contacts = make(map[string]remote.Contact, len(ev.Contacts))
		for _, c := range ev.Contacts {
			us.contacts[c.ID] = c
		}
		for _, id := range us.contactIDs() {
			c := us.contacts[id]
			cjid := g.contactJID(id)
			sub := stanza.Presence{From: cjid, To: account, Type: stanza.SubscribePresence}
			g.push(ctx, sub.Wrap(nickHint(c.FullName)))
			g.push(ctx, statusPresence(cjid, account, c.Status, c.StatusMessage))
		}

	case session.ConversationList:
		if us == nil {
			return
		}
		convs := make(map[string]*room, len(ev.Conversations))
		for _, conv := range ev.Conversations {
			if conv.Type != remote.ChatGroup {
				continue
			}
			rm := &room{conv: conv, joined: make(map[string]jid.JID)}
			if old := us.convs[conv.ID]; old != nil {
				rm.joined = old.joined
			}
			convs[conv.ID] = rm
		}
		us.convs = convs

	case session.PresenceChange:
		if us == nil {
			return
		}
		c, ok := us.contacts[ev.ContactID]
		if !ok {
			g.debug.Printf("presence for unknown contact %s of %s", ev.ContactID, account)
			return
		}
		c.Status = ev.Status
		c.StatusMessage = ev.StatusMessage
		us.contacts[ev.ContactID] = c
		g.push(ctx, statusPresence(g.contactJID(ev.ContactID), account, ev.Status, ev.StatusMessage))

	case session.ChatMessage:
		if us == nil {
			return
		}
		if ev.Type == remote.ChatGroup {
			text := ev.Text
			g.pushGroupMessage(ctx, us, ev.ID, ev.SenderID, func() xml.TokenReader {
				return textElement("body", text)
			})
			return
		}
		msg := stanza.Message{
			Type: stanza.ChatMessage,
			From: g.contactJID(ev.SenderID),
			To:   account,
		}
		g.push(ctx, msg.Wrap(xmlstream.MultiReader(
			textElement("body", ev.Text),
			chatState("active"),
		)))

	case session.Typing:
		if us == nil {
			return
		}
		state := "paused"
		if ev.State == remote.TypingStarted {
			state = "composing"
		}
		if ev.Type == remote.ChatGroup {
			g.pushGroupMessage(ctx, us, ev.ID, ev.SenderID, func() xml.TokenReader {
				return chatState(state)
			})
			return
		}
		msg := stanza.Message{
			Type: stanza.ChatMessage,
			From: g.contactJID(ev.SenderID),
			To:   account,
		}
		g.push(ctx, msg.Wrap(chatState(state)))

	case session.Failure:
		delete(g.users, account.String())
		g.registry.Remove(account)
		g.logger.Printf("session for %s failed: %v", account, ev.Err)
		msg := stanza.Message{From: g.addr, To: account}
		g.push(ctx, msg.Wrap(xmlstream.MultiReader(
			textElement("subject", "Gateway configuration error"),
			textElement("body", configErrorText),
		)))
		g.push(ctx, stanza.Presence{
			From: g.addr,
			To:   account,
			Type: stanza.UnavailablePresence,
		}.Wrap(nil))
	}
}

// pushGroupMessage delivers a room payload from the sending occupant
// to every joined resource.
// The payload is built fresh per recipient since token readers are
// single use.
func (g *Gateway) pushGroupMessage(ctx context.Context, us *userSession, convID, senderID string, payload func() xml.TokenReader) {
	rm := us.convs[convID]
	if rm == nil {
		g.debug.Printf("event for unknown conversation %s of %s", convID, us.account)
		return
	}
	nick := rm.conv.Participants[senderID]
	if nick == "" {
		nick = senderID
	}
	occupant := g.occupantJID(convID, nick)

	resources := make([]string, 0, len(rm.joined))
	for r := range rm.joined {
		resources = append(resources, r)
	}
	sort.Strings(resources)
	for _, r := range resources {
		msg := stanza.Message{
			Type: stanza.GroupChatMessage,
			From: occupant,
			To:   rm.joined[r],
		}
		g.push(ctx, msg.Wrap(payload()))
	}
}

// Shutdown marks every contact and the gateway itself unavailable and
// disconnects all sessions.
// It is called when the component stream is going away.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	users := g.users
	g.users = make(map[string]*userSession)
	g.mu.Unlock()

	keys := make([]string, 0, len(users))
	for k := range users {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		us := users[k]
		g.push(ctx, stanza.Presence{
			From: g.addr,
			To:   us.account,
			Type: stanza.UnavailablePresence,
		}.Wrap(nil))
		g.registry.Dispatch(us.account, session.Disconnect{})
		g.registry.Remove(us.account)
		for _, id := range us.contactIDs() {
			g.push(ctx, stanza.Presence{
				From: g.contactJID(id),
				To:   us.account,
				Type: stanza.UnavailablePresence,
			}.Wrap(nil))
		}
	}
}
