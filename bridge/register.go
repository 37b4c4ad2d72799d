// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"encoding/xml"
	"errors"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/session"
	"mellium.im/gate/spool"
)

const registerInstructions = "Enter the chat service URL and your authentication token."

// handleRegisterGet answers a registration form request.
// Registered accounts get their stored values echoed back along with a
// registered marker.
func (g *Gateway) handleRegisterGet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx := context.Background()
	if !g.isGateway(iq.To) {
		return iqError(t, iq, stanza.BadRequest)
	}
	account := iq.From.Bare().String()

	cred, err := g.store.Get(ctx, account)
	registered := err == nil
	if err != nil && !errors.Is(err, spool.ErrNotFound) {
		g.logger.Printf("loading credential for %s: %v", account, err)
	}

	url := g.registerURL
	if registered && cred.URL != "" {
		url = cred.URL
	}
	payload := []xml.TokenReader{
		textElement("instructions", registerInstructions),
		textElement("url", url),
	}
	if registered {
		payload = append(payload,
			textElement("password", cred.AuthToken),
			xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "registered"}}),
		)
	} else {
		payload = append(payload, textElement("password", ""))
	}
	if _, err := xmlstream.Copy(t, iq.Result(xmlstream.Wrap(
		xmlstream.MultiReader(payload...),
		*start,
	))); err != nil {
		return err
	}

	// Learn what the client can do before it subscribes.
	g.probeFeatures(ctx, iq.From)
	return nil
}

// handleRegisterSet stores a new credential or removes an existing
// one.
func (g *Gateway) handleRegisterSet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx := context.Background()
	if !g.isGateway(iq.To) {
		return iqError(t, iq, stanza.BadRequest)
	}

	var q struct {
		URL      string    `xml:"url"`
		Password string    `xml:"password"`
		Remove   *struct{} `xml:"remove"`
	}
	d := xml.NewTokenDecoder(t)
	if err := d.DecodeElement(&q, start); err != nil {
		return err
	}
	account := iq.From.Bare()

	switch {
	case q.Remove == nil && q.URL != "" && q.Password != "":
		cred, err := g.store.Get(ctx, account.String())
		if err != nil && !errors.Is(err, spool.ErrNotFound) {
			g.logger.Printf("loading credential for %s: %v", account, err)
			return iqError(t, iq, stanza.InternalServerError)
		}
		cred.URL = q.URL
		cred.AuthToken = q.Password
		if err := g.store.Set(ctx, account.String(), cred); err != nil {
			g.logger.Printf("storing credential for %s: %v", account, err)
			return iqError(t, iq, stanza.InternalServerError)
		}
		if err := g.store.Flush(ctx); err != nil {
			g.logger.Printf("flushing credential store: %v", err)
		}
		_, err = xmlstream.Copy(t, iq.Result(nil))
		return err

	case q.Remove != nil && q.URL == "" && q.Password == "":
		ok, err := g.store.Has(ctx, account.String())
		if err != nil {
			g.logger.Printf("checking registration of %s: %v", account, err)
			return iqError(t, iq, stanza.InternalServerError)
		}
		if !ok {
			return iqError(t, iq, stanza.BadRequest)
		}
		if err := g.store.Del(ctx, account.String()); err != nil {
			g.logger.Printf("removing credential for %s: %v", account, err)
			return iqError(t, iq, stanza.InternalServerError)
		}
		if err := g.store.Flush(ctx); err != nil {
			g.logger.Printf("flushing credential store: %v", err)
		}

		g.mu.Lock()
		us := g.user(account)
		delete(g.users, account.String())
		g.mu.Unlock()
		if us != nil {
			g.registry.Dispatch(account, session.Disconnect{})
			g.registry.Remove(account)
		}

		if _, err := xmlstream.Copy(t, iq.Result(nil)); err != nil {
			return err
		}
		for _, typ := range []stanza.PresenceType{stanza.UnsubscribePresence, stanza.UnsubscribedPresence} {
			p := stanza.Presence{From: g.addr, To: iq.From, Type: typ}
			if _, err := xmlstream.Copy(t, p.Wrap(nil)); err != nil {
				return err
			}
		}
		return nil
	}
	return iqError(t, iq, stanza.BadRequest)
}

// probeFeatures asks the client at to for its feature set.
// The response lands in handleDiscoResult.
func (g *Gateway) probeFeatures(ctx context.Context, to jid.JID) {
	iq := stanza.IQ{
		ID:   newID(),
		To:   to,
		From: g.addr,
		Type: stanza.GetIQ,
	}
	query := xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: disco.NSInfo, Local: "query"}})
	if err := g.sender.Send(ctx, iq.Wrap(query)); err != nil {
		g.debug.Printf("probing features of %s: %v", to, err)
	}
}
