// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"sort"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// joinRoom handles available presence sent to a room address.
// The joining resource receives one occupant presence per participant
// followed by its own, carrying the self presence status codes.
func (g *Gateway) joinRoom(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	from := p.From
	convID := p.To.Localpart()

	g.mu.Lock()
	us := g.user(from.Bare())
	var rm *room
	if us != nil {
		rm = us.convs[convID]
	}
	if rm == nil {
		g.mu.Unlock()
		return presenceError(t, p, stanza.ItemNotFound)
	}
	rm.joined[from.String()] = from
	conv := rm.conv
	g.mu.Unlock()

	type occupant struct {
		id   string
		nick string
	}
	var others []occupant
	for id, nick := range conv.Participants {
		if id == conv.SelfID {
			continue
		}
		others = append(others, occupant{id: id, nick: nick})
	}
	sort.Slice(others, func(i, j int) bool { return others[i].nick < others[j].nick })

	for _, o := range others {
		pr := stanza.Presence{From: g.occupantJID(convID, o.nick), To: from}
		item := mucUserItem(muc.NSUser, "member", "participant")
		if _, err := xmlstream.Copy(t, pr.Wrap(item)); err != nil {
			return err
		}
	}

	selfNick := conv.Participants[conv.SelfID]
	if selfNick == "" {
		selfNick = conv.SelfID
	}
	self := stanza.Presence{From: g.occupantJID(convID, selfNick), To: from}
	item := mucUserItem(muc.NSUser, "member", "participant", 110, 210)
	_, err := xmlstream.Copy(t, self.Wrap(item))
	return err
}

// leaveRoom handles unavailable presence sent to a room address.
func (g *Gateway) leaveRoom(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	from := p.From
	convID := p.To.Localpart()

	g.mu.Lock()
	us := g.user(from.Bare())
	var rm *room
	if us != nil {
		rm = us.convs[convID]
	}
	var selfNick string
	if rm != nil {
		delete(rm.joined, from.String())
		selfNick = rm.conv.Participants[rm.conv.SelfID]
		if selfNick == "" {
			selfNick = rm.conv.SelfID
		}
	}
	g.mu.Unlock()
	if rm == nil {
		return nil
	}

	echo := stanza.Presence{
		From: g.occupantJID(convID, selfNick),
		To:   from,
		Type: stanza.UnavailablePresence,
	}
	item := mucUserItem(muc.NSUser, "member", "none", 110)
	_, err := xmlstream.Copy(t, echo.Wrap(item))
	return err
}
