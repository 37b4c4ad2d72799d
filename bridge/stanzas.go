// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"strconv"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/remote"
)

const (
	nsRegister    = `jabber:iq:register`
	nsVCard       = `vcard-temp`
	nsVCardUpdate = `vcard-temp:x:update`
	nsChatStates  = `http://jabber.org/protocol/chatstates`
	nsRosterX     = `http://jabber.org/protocol/rosterx`
	nsCommands    = `http://jabber.org/protocol/commands`
	nsMUCUnique   = `http://jabber.org/protocol/muc#unique`
	nsData        = `jabber:x:data`

	nodeRoster = "roster"
)

// newID returns a random stanza ID.
func newID() string {
	b := make([]byte, 8)
	// rand.Read never returns an error on supported platforms.
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// textElement builds an element containing only character data.
func textElement(name, text string) xml.TokenReader {
	var inner xml.TokenReader
	if text != "" {
		inner = xmlstream.Token(xml.CharData(text))
	}
	return xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Local: name}})
}

// emptyElement builds an element with no children.
func emptyElement(space, name string) xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: space, Local: name}})
}

// chatState builds a chat state notification element.
func chatState(state string) xml.TokenReader {
	return emptyElement(nsChatStates, state)
}

// condType maps a stanza error condition to its default error type.
func condType(cond stanza.Condition) stanza.ErrorType {
	switch cond {
	case stanza.BadRequest, stanza.JIDMalformed, stanza.NotAcceptable:
		return stanza.Modify
	case stanza.RegistrationRequired, stanza.Forbidden, stanza.NotAuthorized:
		return stanza.Auth
	case stanza.ResourceConstraint:
		return stanza.Wait
	}
	return stanza.Cancel
}

// iqError replies to iq with a stanza error.
func iqError(t xmlstream.TokenWriter, iq stanza.IQ, cond stanza.Condition) error {
	iq.To, iq.From = iq.From, iq.To
	iq.Type = stanza.ErrorIQ
	e := stanza.Error{Type: condType(cond), Condition: cond}
	_, err := xmlstream.Copy(t, iq.Wrap(e.TokenReader()))
	return err
}

// presenceError replies to p with a stanza error.
func presenceError(t xmlstream.TokenWriter, p stanza.Presence, cond stanza.Condition) error {
	p.To, p.From = p.From, p.To
	p.Type = stanza.ErrorPresence
	e := stanza.Error{Type: condType(cond), Condition: cond}
	_, err := xmlstream.Copy(t, p.Wrap(e.TokenReader()))
	return err
}

// messageError replies to m with a stanza error.
func messageError(t xmlstream.TokenWriter, m stanza.Message, cond stanza.Condition) error {
	m.To, m.From = m.From, m.To
	m.Type = stanza.ErrorMessage
	e := stanza.Error{Type: condType(cond), Condition: cond}
	_, err := xmlstream.Copy(t, m.Wrap(e.TokenReader()))
	return err
}

// statusPresence builds the presence stanza describing a contact's
// service status.
// Online maps to plain availability, away to the "xa" show value, and
// offline to unavailable presence.
func statusPresence(from, to jid.JID, status remote.Status, note string) xml.TokenReader {
	p := stanza.Presence{From: from, To: to}
	var payload []xml.TokenReader
	switch status {
	case remote.Away:
		payload = append(payload, textElement("show", "xa"))
	case remote.Offline:
		p.Type = stanza.UnavailablePresence
	}
	if note != "" {
		payload = append(payload, textElement("status", note))
	}
	return p.Wrap(xmlstream.MultiReader(payload...))
}

// nickHint builds a vCard based avatar/nickname hint advertising the
// contact's display name.
func nickHint(nick string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Token(xml.CharData(nick)),
			xml.StartElement{Name: xml.Name{Local: "nickname"}},
		),
		xml.StartElement{Name: xml.Name{Space: nsVCardUpdate, Local: "x"}},
	)
}

// mucUserItem builds a muc#user extension element describing an
// occupant, with optional status codes.
func mucUserItem(ns, affiliation, role string, statuses ...int) xml.TokenReader {
	inner := []xml.TokenReader{xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "item"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "affiliation"}, Value: affiliation},
			{Name: xml.Name{Local: "role"}, Value: role},
		},
	})}
	for _, code := range statuses {
		inner = append(inner, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "status"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "code"}, Value: strconv.Itoa(code)}},
		}))
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: ns, Local: "x"}},
	)
}

// formField builds a single field of a jabber:x:data form.
func formField(typ, varName, value string) xml.TokenReader {
	attr := []xml.Attr{{Name: xml.Name{Local: "var"}, Value: varName}}
	if typ != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: typ})
	}
	return xmlstream.Wrap(
		textElement("value", value),
		xml.StartElement{Name: xml.Name{Local: "field"}, Attr: attr},
	)
}

// resultForm builds a jabber:x:data result form from the provided
// fields.
func resultForm(fields ...xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.MultiReader(fields...),
		xml.StartElement{
			Name: xml.Name{Space: nsData, Local: "x"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "result"}},
		},
	)
}
