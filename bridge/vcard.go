// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/remote"
)

// handleVCard synthesizes vCards for the gateway, contacts, and
// rooms.
func (g *Gateway) handleVCard(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx := context.Background()
	if !g.registered(ctx, iq.From) {
		return iqError(t, iq, stanza.ItemNotFound)
	}

	switch {
	case g.isGateway(iq.To):
		return g.vcardReply(t, iq,
			textElement("FN", g.name),
			textElement("NICKNAME", g.name),
		)
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
		if !ok {
			return iqError(t, iq, stanza.ItemNotFound)
		}
		return g.vcardReply(t, iq, contactVCard(ctx, g, c)...)
	case g.isRoom(iq.To):
		g.mu.Lock()
		us := g.user(iq.From.Bare())
		var rm *room
		if us != nil {
			rm = us.convs[iq.To.Localpart()]
		}
		var topic string
		if rm != nil {
			topic = rm.conv.Topic
		}
		g.mu.Unlock()
		if rm == nil {
			return iqError(t, iq, stanza.ItemNotFound)
		}
		return g.vcardReply(t, iq, textElement("FN", topic))
	}
	return iqError(t, iq, stanza.ItemNotFound)
}

func (g *Gateway) vcardReply(t xmlstream.TokenWriter, iq stanza.IQ, fields ...xml.TokenReader) error {
	_, err := xmlstream.Copy(t, iq.Result(xmlstream.Wrap(
		xmlstream.MultiReader(fields...),
		xml.StartElement{Name: xml.Name{Space: nsVCard, Local: "vCard"}},
	)))
	return err
}

// contactVCard builds the vCard fields for a service contact.
// Avatar downloads are best effort, a fetch failure just drops the
// photo.
func contactVCard(ctx context.Context, g *Gateway, c remote.Contact) []xml.TokenReader {
	name := c.FullName
	if name == "" {
		name = c.Name
	}
	fields := []xml.TokenReader{
		textElement("FN", name),
		textElement("NICKNAME", name),
	}
	if c.AvatarURL != "" {
		photo, err := g.fetchAvatar(ctx, c.AvatarURL)
		if err != nil {
			g.debug.Printf("fetching avatar for %s: %v", c.ID, err)
		} else {
			fields = append(fields, xmlstream.Wrap(
				xmlstream.MultiReader(
					textElement("TYPE", "image/jpeg"),
					textElement("BINVAL", base64.StdEncoding.EncodeToString(photo)),
				),
				xml.StartElement{Name: xml.Name{Local: "PHOTO"}},
			))
		}
	}
	for _, tel := range c.Phones {
		fields = append(fields, xmlstream.Wrap(
			xmlstream.MultiReader(
				emptyElement("", "HOME"),
				emptyElement("", "VOICE"),
				textElement("NUMBER", tel),
			),
			xml.StartElement{Name: xml.Name{Local: "TEL"}},
		))
	}
	for _, addr := range c.Emails {
		fields = append(fields, xmlstream.Wrap(
			xmlstream.MultiReader(
				emptyElement("", "INTERNET"),
				textElement("USERID", addr),
			),
			xml.StartElement{Name: xml.Name{Local: "EMAIL"}},
		))
	}
	return fields
}

// fetchAvatar downloads a contact's avatar.
// The service hands out scheme relative URLs, so a bare "//host/path"
// gets an http scheme prepended.
func (g *Gateway) fetchAvatar(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http") {
		url = "http:" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 5<<20))
}
