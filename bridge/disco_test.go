// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"fmt"
	"strings"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/internal/gatetest"
)

func discoIQ(t *testing.T, h *harness, from, to jid.JID, kind, node string) string {
	t.Helper()
	ns := "http://jabber.org/protocol/disco#" + kind
	nodeAttr := ""
	if node != "" {
		nodeAttr = fmt.Sprintf(" node='%s'", node)
	}
	conn := gatetest.NewConn(fmt.Sprintf(
		"<iq type='get' from='%s' to='%s' id='d1'><query xmlns='%s'%s/></iq>",
		from, to, ns, nodeAttr,
	))
	conn.Pop() // iq
	start := conn.Pop()
	iq := stanza.IQ{From: from, To: to, ID: "d1", Type: stanza.GetIQ}
	var err error
	if kind == "info" {
		err = h.g.handleDiscoInfo(iq, conn, start)
	} else {
		err = h.g.handleDiscoItems(iq, conn, start)
	}
	if err != nil {
		t.Fatalf("handling disco#%s: %v", kind, err)
	}
	return conn.String()
}

func TestGatewayDiscoInfo(t *testing.T) {
	h := newHarness(t)
	out := discoIQ(t, h, romeo, gwJID, "info", "")
	if !strings.Contains(out, `category="gateway"`) {
		t.Errorf("missing gateway identity: %s", out)
	}
	for _, f := range []string{nsRegister, nsChatStates, "jabber:iq:version"} {
		if !strings.Contains(out, f) {
			t.Errorf("missing feature %s: %s", f, out)
		}
	}
}

func TestGatewayDiscoItems(t *testing.T) {
	h := newHarness(t)
	out := discoIQ(t, h, romeo, gwJID, "items", "")
	if !strings.Contains(out, `node="roster"`) {
		t.Errorf("missing roster node item: %s", out)
	}
	if !strings.Contains(out, mucJID.String()) {
		t.Errorf("missing conference service item: %s", out)
	}
}

func TestRosterNodeListsContacts(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	out := discoIQ(t, h, romeo, gwJID, "items", nodeRoster)
	if !strings.Contains(out, `jid="benvolio@gate.example.net"`) ||
		!strings.Contains(out, `jid="mercutio@gate.example.net"`) {
		t.Errorf("missing contact items: %s", out)
	}
	if !strings.Contains(out, `name="Benvolio Montague"`) {
		t.Errorf("missing contact full name: %s", out)
	}
}

func TestUnknownNodeIsItemNotFound(t *testing.T) {
	h := newHarness(t)
	for _, kind := range []string{"info", "items"} {
		out := discoIQ(t, h, romeo, gwJID, kind, "bogus")
		if !strings.Contains(out, "item-not-found") {
			t.Errorf("disco#%s: expected an item-not-found error, got: %s", kind, out)
		}
	}
}

func TestContactDiscoRequiresSession(t *testing.T) {
	h := newHarness(t)
	to := h.g.contactJID("benvolio")

	out := discoIQ(t, h, romeo, to, "info", "")
	if !strings.Contains(out, "not-acceptable") {
		t.Errorf("expected a not-acceptable error without a session: %s", out)
	}

	h.connect(t, romeo)
	h.pump(t, 2)
	out = discoIQ(t, h, romeo, to, "info", "")
	if !strings.Contains(out, `category="client"`) || !strings.Contains(out, "Benvolio Montague") {
		t.Errorf("missing contact identity: %s", out)
	}
	if !strings.Contains(out, nsVCard) {
		t.Errorf("missing vcard feature: %s", out)
	}
}

func TestRoomDiscoInfoCarriesRoomInfoForm(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	out := discoIQ(t, h, romeo, h.g.roomJID("conv-group"), "info", "")
	if !strings.Contains(out, "muc#roominfo") {
		t.Errorf("missing roominfo form: %s", out)
	}
	if !strings.Contains(out, "Verona plans") {
		t.Errorf("missing room subject: %s", out)
	}
	if !strings.Contains(out, "<value>3</value>") {
		t.Errorf("missing occupant count: %s", out)
	}
}

func TestForeignDomainIsMalformed(t *testing.T) {
	h := newHarness(t)
	to := jid.MustParse("nobody@elsewhere.example.org")
	out := discoIQ(t, h, romeo, to, "info", "")
	if !strings.Contains(out, "jid-malformed") {
		t.Errorf("expected a jid-malformed error: %s", out)
	}
}

func TestVersionQuery(t *testing.T) {
	h := newHarness(t)
	conn := gatetest.NewConn(fmt.Sprintf(
		"<iq type='get' from='%s' to='%s' id='v1'><query xmlns='jabber:iq:version'/></iq>",
		romeo, gwJID,
	))
	conn.Pop()
	start := conn.Pop()
	iq := stanza.IQ{From: romeo, To: gwJID, ID: "v1", Type: stanza.GetIQ}
	if err := h.g.handleVersion(iq, conn, start); err != nil {
		t.Fatalf("handling version query: %v", err)
	}
	out := conn.String()
	if !strings.Contains(out, "<name>Gateway</name>") || !strings.Contains(out, "<version>"+Version+"</version>") {
		t.Errorf("wrong version reply: %s", out)
	}
}
