// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"encoding/xml"
	"sort"
	"strconv"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/disco/items"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/version"

	"mellium.im/gate/remote"
)

// startNode extracts the node attribute of a disco query start
// element.
func startNode(start *xml.StartElement) string {
	if start == nil {
		return ""
	}
	for _, a := range start.Attr {
		if a.Name.Local == "node" {
			return a.Value
		}
	}
	return ""
}

// infoResult replies to a disco#info query with the given identities,
// features, and any extension elements.
func infoResult(t xmlstream.TokenWriter, iq stanza.IQ, start *xml.StartElement, ids []info.Identity, features []string, extra ...xml.TokenReader) error {
	var payload []xml.TokenReader
	for _, id := range ids {
		payload = append(payload, id.TokenReader())
	}
	for _, f := range features {
		payload = append(payload, info.Feature{Var: f}.TokenReader())
	}
	payload = append(payload, extra...)
	_, err := xmlstream.Copy(t, iq.Result(xmlstream.Wrap(
		xmlstream.MultiReader(payload...),
		*start,
	)))
	return err
}

// itemsResult replies to a disco#items query with the given items.
func itemsResult(t xmlstream.TokenWriter, iq stanza.IQ, start *xml.StartElement, list []items.Item) error {
	var payload []xml.TokenReader
	for _, item := range list {
		payload = append(payload, item.TokenReader())
	}
	_, err := xmlstream.Copy(t, iq.Result(xmlstream.Wrap(
		xmlstream.MultiReader(payload...),
		*start,
	)))
	return err
}

func (g *Gateway) handleDiscoInfo(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	node := startNode(start)
	switch {
	case g.isGateway(iq.To):
		switch node {
		case "":
			return infoResult(t, iq, start,
				[]info.Identity{{Category: "gateway", Type: g.typ, Name: g.name}},
				[]string{
					disco.NSInfo,
					disco.NSItems,
					version.NS,
					nsCommands,
					nsRegister,
					nsVCard,
					nsChatStates,
				},
			)
		case nodeRoster:
			return infoResult(t, iq, start, nil, nil)
		}
		return iqError(t, iq, stanza.ItemNotFound)
	case g.isRoom(iq.To):
		return g.roomInfo(iq, t, start)
	case g.isContact(iq.To):
		g.mu.Lock()
		us := g.user(iq.From.Bare())
		var (
			c  remote.Contact
			ok bool
		)
		if us != nil {
			c, ok = us.contacts[iq.To.Localpart()]
		}
		g.mu.Unlock()
		if us == nil || !ok {
			return iqError(t, iq, stanza.NotAcceptable)
		}
		return infoResult(t, iq, start,
			[]info.Identity{{Category: "client", Type: g.typ, Name: c.FullName}},
			[]string{disco.NSInfo, version.NS, nsVCard, nsChatStates},
		)
	}
	return iqError(t, iq, stanza.JIDMalformed)
}

func (g *Gateway) handleDiscoItems(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	node := startNode(start)
	switch {
	case g.isGateway(iq.To):
		switch node {
		case "":
			list := []items.Item{{JID: g.addr, Node: nodeRoster, Name: g.name + " roster"}}
			if g.groupChat() {
				list = append(list, items.Item{JID: g.muc, Name: g.name + " conferences"})
			}
			return itemsResult(t, iq, start, list)
		case nodeRoster:
			g.mu.Lock()
			us := g.user(iq.From.Bare())
			var list []items.Item
			if us != nil {
				for _, id := range us.contactIDs() {
					list = append(list, items.Item{
						JID:  g.contactJID(id),
						Name: us.contacts[id].FullName,
					})
				}
			}
			g.mu.Unlock()
			if us == nil {
				return iqError(t, iq, stanza.NotAcceptable)
			}
			return itemsResult(t, iq, start, list)
		}
		return iqError(t, iq, stanza.ItemNotFound)
	case g.isRoom(iq.To):
		if iq.To.Localpart() != "" {
			return itemsResult(t, iq, start, nil)
		}
		g.mu.Lock()
		us := g.user(iq.From.Bare())
		var list []items.Item
		if us != nil {
			for _, id := range sortedConvIDs(us) {
				list = append(list, items.Item{
					JID:  g.roomJID(id),
					Name: us.convs[id].conv.Topic,
				})
			}
		}
		g.mu.Unlock()
		if us == nil {
			return iqError(t, iq, stanza.NotAcceptable)
		}
		return itemsResult(t, iq, start, list)
	case g.isContact(iq.To):
		g.mu.Lock()
		us := g.user(iq.From.Bare())
		known := us != nil && hasContact(us, iq.To.Localpart())
		g.mu.Unlock()
		if !known {
			return iqError(t, iq, stanza.NotAcceptable)
		}
		return itemsResult(t, iq, start, nil)
	}
	return iqError(t, iq, stanza.JIDMalformed)
}

// handleDiscoResult records the feature set a client reported so later
// roster exchanges can pick the right mechanism.
func (g *Gateway) handleDiscoResult(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	if start == nil {
		return nil
	}
	var q struct {
		Features []struct {
			Var string `xml:"var,attr"`
		} `xml:"feature"`
	}
	d := xml.NewTokenDecoder(t)
	if err := d.DecodeElement(&q, start); err != nil {
		return err
	}
	features := make([]string, 0, len(q.Features))
	for _, f := range q.Features {
		features = append(features, f.Var)
	}
	g.mu.Lock()
	g.disco[iq.From.String()] = features
	g.mu.Unlock()
	return nil
}

// roomInfo answers disco#info for the conference service and for
// individual rooms, including a muc#roominfo extension form.
func (g *Gateway) roomInfo(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	if iq.To.Localpart() == "" {
		return infoResult(t, iq, start,
			[]info.Identity{{Category: "conference", Type: "text", Name: g.name + " conferences"}},
			[]string{disco.NSInfo, disco.NSItems, muc.NS, nsMUCUnique},
		)
	}

	g.mu.Lock()
	us := g.user(iq.From.Bare())
	var rm *room
	if us != nil {
		rm = us.convs[iq.To.Localpart()]
	}
	var (
		topic        string
		participants int
	)
	if rm != nil {
		topic = rm.conv.Topic
		participants = len(rm.conv.Participants)
	}
	g.mu.Unlock()
	if rm == nil {
		return iqError(t, iq, stanza.ItemNotFound)
	}

	form := resultForm(
		formField("hidden", "FORM_TYPE", "http://jabber.org/protocol/muc#roominfo"),
		formField("", "muc#roominfo_description", topic),
		formField("", "muc#roominfo_subject", topic),
		formField("", "muc#roominfo_occupants", strconv.Itoa(participants)),
	)
	return infoResult(t, iq, start,
		[]info.Identity{{Category: "conference", Type: "text", Name: topic}},
		[]string{disco.NSInfo, disco.NSItems, muc.NS},
		form,
	)
}

// handleVersion answers software version queries for any gateway
// hosted address.
func (g *Gateway) handleVersion(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	q := version.Query{Name: g.name, Version: Version}
	_, err := xmlstream.Copy(t, iq.Result(q.TokenReader()))
	return err
}

// sortedConvIDs returns the group conversation IDs of a session in
// stable order.
func sortedConvIDs(us *userSession) []string {
	ids := make([]string, 0, len(us.convs))
	for id := range us.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
