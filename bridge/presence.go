// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"encoding/xml"
	"errors"
	"io"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/remote"
	"mellium.im/gate/session"
	"mellium.im/gate/spool"
)

const configErrorText = "The gateway could not log in to the chat service with the stored credentials. Please register again with a valid service URL and token."

// handleAvailable handles available (and invisible) presence.
// The first available resource of a registered account spins up a
// session; later resources are attached to the existing one and
// receive a replay of the last known contact statuses.
func (g *Gateway) handleAvailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx := context.Background()
	from := p.From
	account := from.Bare()

	if !g.registered(ctx, from) {
		return presenceError(t, p, stanza.RegistrationRequired)
	}
	if g.isRoom(p.To) {
		return g.joinRoom(p, t)
	}
	if !g.isGateway(p.To) && !g.isContact(p.To) {
		g.debug.Printf("ignoring presence from %s to foreign address %s", from, p.To)
		return nil
	}

	var pres struct {
		stanza.Presence
		Show   string `xml:"show"`
		Status string `xml:"status"`
	}
	d := xml.NewTokenDecoder(t)
	if err := d.Decode(&pres); err != nil && err != io.EOF {
		return err
	}

	g.mu.Lock()
	us := g.user(account)
	if us != nil {
		us.resources[from.String()] = from
		var replay []xml.TokenReader
		for _, id := range us.contactIDs() {
			c := us.contacts[id]
			replay = append(replay, statusPresence(g.contactJID(id), from, c.Status, c.StatusMessage))
		}
		g.mu.Unlock()
		g.registry.Dispatch(account, session.SetPresence{Type: p.Type, Show: pres.Show})
		for _, r := range replay {
			if _, err := xmlstream.Copy(t, r); err != nil {
				return err
			}
		}
		return nil
	}
	g.mu.Unlock()

	cred, err := g.store.Get(ctx, account.String())
	if err != nil {
		if !errors.Is(err, spool.ErrNotFound) {
			g.logger.Printf("loading credential for %s: %v", account, err)
		}
		if err := g.store.Del(ctx, account.String()); err != nil {
			g.logger.Printf("dropping credential for %s: %v", account, err)
		}
		return g.configError(t, account)
	}

	g.registry.Spawn(account, remote.Credential{URL: cred.URL, Token: cred.AuthToken})
	g.mu.Lock()
	us = newUserSession(account)
	us.resources[from.String()] = from
	g.users[account.String()] = us
	g.mu.Unlock()

	ack := stanza.Presence{From: g.addr, To: from}
	_, err = xmlstream.Copy(t, ack.Wrap(nil))
	return err
}

// handleUnavailable handles unavailable presence.
// When the last resource of an account goes offline its session is
// torn down.
func (g *Gateway) handleUnavailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx := context.Background()
	from := p.From
	account := from.Bare()

	if g.isRoom(p.To) {
		return g.leaveRoom(p, t)
	}
	if !g.registered(ctx, from) {
		return presenceError(t, p, stanza.RegistrationRequired)
	}

	g.mu.Lock()
	us := g.user(account)
	if us == nil {
		g.mu.Unlock()
		echo := stanza.Presence{From: g.addr, To: from, Type: stanza.UnavailablePresence}
		_, err := xmlstream.Copy(t, echo.Wrap(nil))
		return err
	}
	delete(us.resources, from.String())
	for _, rm := range us.convs {
		delete(rm.joined, from.String())
	}
	last := len(us.resources) == 0
	if last {
		delete(g.users, account.String())
	}
	g.mu.Unlock()

	if last {
		g.registry.Dispatch(account, session.Disconnect{})
		g.registry.Remove(account)
	}
	echo := stanza.Presence{From: g.addr, To: from, Type: stanza.UnavailablePresence}
	_, err := xmlstream.Copy(t, echo.Wrap(nil))
	return err
}

// handleSubscribed handles a subscription approval from the user.
// Approval aimed at the gateway itself triggers the roster exchange:
// either one rosterx message, or a flight of individual subscription
// requests if the client never advertised rosterx support.
func (g *Gateway) handleSubscribed(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx := context.Background()
	from := p.From
	account := from.Bare()

	if !g.registered(ctx, from) {
		return presenceError(t, p, stanza.RegistrationRequired)
	}
	if !g.isGateway(p.To) {
		return nil
	}

	g.mu.Lock()
	us := g.user(account)
	if us == nil {
		g.mu.Unlock()
		return presenceError(t, p, stanza.NotAcceptable)
	}
	ids := us.contactIDs()
	contacts := make(map[string]remote.Contact, len(ids))
	for _, id := range ids {
		contacts[id] = us.contacts[id]
	}
	g.mu.Unlock()

	if cred, err := g.store.Get(ctx, account.String()); err == nil && !cred.Subscribed {
		cred.Subscribed = true
		if err := g.store.Set(ctx, account.String(), cred); err != nil {
			g.logger.Printf("marking %s subscribed: %v", account, err)
		} else if err := g.store.Flush(ctx); err != nil {
			g.logger.Printf("flushing credential store: %v", err)
		}
	}

	if g.supportsRosterX(from) {
		var items []xml.TokenReader
		for _, id := range ids {
			items = append(items, xmlstream.Wrap(nil, xml.StartElement{
				Name: xml.Name{Local: "item"},
				Attr: []xml.Attr{
					{Name: xml.Name{Local: "jid"}, Value: g.contactJID(id).String()},
					{Name: xml.Name{Local: "name"}, Value: contacts[id].FullName},
					{Name: xml.Name{Local: "action"}, Value: "add"},
				},
			}))
		}
		msg := stanza.Message{From: g.addr, To: from}
		payload := xmlstream.MultiReader(
			textElement("subject", "Contact list"),
			textElement("body", "Your chat service contacts"),
			xmlstream.Wrap(
				xmlstream.MultiReader(items...),
				xml.StartElement{Name: xml.Name{Space: nsRosterX, Local: "x"}},
			),
		)
		if _, err := xmlstream.Copy(t, msg.Wrap(payload)); err != nil {
			return err
		}
	} else {
		for _, id := range ids {
			sub := stanza.Presence{From: g.contactJID(id), To: from, Type: stanza.SubscribePresence}
			if _, err := xmlstream.Copy(t, sub.Wrap(nickHint(contacts[id].FullName))); err != nil {
				return err
			}
		}
	}

	ack := stanza.Presence{From: g.addr, To: from, Type: stanza.SubscribedPresence}
	_, err := xmlstream.Copy(t, ack.Wrap(nil))
	return err
}

// handleSubscribe approves subscription requests to the gateway and to
// contacts of a running session.
func (g *Gateway) handleSubscribe(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx := context.Background()
	from := p.From
	account := from.Bare()

	if !g.registered(ctx, from) {
		return presenceError(t, p, stanza.RegistrationRequired)
	}

	g.mu.Lock()
	us := g.user(account)
	known := us != nil && (g.isGateway(p.To) || (g.isContact(p.To) && hasContact(us, p.To.Localpart())))
	g.mu.Unlock()

	if !known && !g.isGateway(p.To) {
		return presenceError(t, p, stanza.NotAcceptable)
	}
	ack := stanza.Presence{From: p.To.Bare(), To: from, Type: stanza.SubscribedPresence}
	_, err := xmlstream.Copy(t, ack.Wrap(nil))
	return err
}

// handleUnsubscribe acknowledges unsubscription from unregistered
// senders and is a no-op otherwise.
func (g *Gateway) handleUnsubscribe(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx := context.Background()
	if g.registered(ctx, p.From) {
		return nil
	}
	ack := stanza.Presence{From: p.To.Bare(), To: p.From, Type: stanza.UnsubscribedPresence}
	_, err := xmlstream.Copy(t, ack.Wrap(nil))
	return err
}

func (g *Gateway) handleUnsubscribed(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	return nil
}

// handleProbe answers probes from senders with no registration by
// revoking the stale subscription.
func (g *Gateway) handleProbe(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx := context.Background()
	if g.registered(ctx, p.From) {
		return nil
	}
	for _, typ := range []stanza.PresenceType{stanza.UnsubscribePresence, stanza.UnsubscribedPresence} {
		rm := stanza.Presence{From: p.To.Bare(), To: p.From, Type: typ}
		if _, err := xmlstream.Copy(t, rm.Wrap(nil)); err != nil {
			return err
		}
	}
	return nil
}

// supportsRosterX reports whether the client at from advertised roster
// item exchange support in a discovery response.
func (g *Gateway) supportsRosterX(from jid.JID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range g.disco[from.String()] {
		if f == nsRosterX {
			return true
		}
	}
	return false
}

func hasContact(us *userSession, id string) bool {
	_, ok := us.contacts[id]
	return ok
}

// configError tells the user their stored registration no longer
// works.
func (g *Gateway) configError(t xmlstream.TokenWriter, account jid.JID) error {
	msg := stanza.Message{From: g.addr, To: account}
	payload := xmlstream.MultiReader(
		textElement("subject", "Gateway configuration error"),
		textElement("body", configErrorText),
	)
	_, err := xmlstream.Copy(t, msg.Wrap(payload))
	return err
}
