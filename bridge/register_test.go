// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/internal/gatetest"
	"mellium.im/gate/spool"
)

func registerIQ(t *testing.T, h *harness, from jid.JID, typ stanza.IQType, query string) string {
	t.Helper()
	conn := gatetest.NewConn(fmt.Sprintf(
		"<iq type='%s' from='%s' to='%s' id='reg1'><query xmlns='jabber:iq:register'>%s</query></iq>",
		typ, from, gwJID, query,
	))
	conn.Pop() // iq
	start := conn.Pop()
	iq := stanza.IQ{From: from, To: gwJID, ID: "reg1", Type: typ}
	var err error
	switch typ {
	case stanza.GetIQ:
		err = h.g.handleRegisterGet(iq, conn, start)
	case stanza.SetIQ:
		err = h.g.handleRegisterSet(iq, conn, start)
	}
	if err != nil {
		t.Fatalf("handling register %s: %v", typ, err)
	}
	return conn.String()
}

func TestRegistrationRoundTrip(t *testing.T) {
	h := newHarness(t)
	juliet := jid.MustParse("juliet@example.net/chamber")

	out := registerIQ(t, h, juliet, stanza.GetIQ, "")
	if strings.Contains(out, "<registered") {
		t.Errorf("fresh account must not be marked registered: %s", out)
	}
	if !strings.Contains(out, "<instructions>") {
		t.Errorf("missing registration instructions: %s", out)
	}

	registerIQ(t, h, juliet, stanza.SetIQ, "<url>wss://chat.example.com/ws</url><password>sekrit</password>")
	cred, err := h.store.Get(context.Background(), juliet.Bare().String())
	if err != nil {
		t.Fatalf("credential was not persisted: %v", err)
	}
	if cred.URL != "wss://chat.example.com/ws" || cred.AuthToken != "sekrit" {
		t.Errorf("wrong persisted credential: %#v", cred)
	}
	if h.store.Flushes() == 0 {
		t.Error("credential store was not flushed")
	}

	out = registerIQ(t, h, juliet, stanza.GetIQ, "")
	if !strings.Contains(out, "wss://chat.example.com/ws") ||
		!strings.Contains(out, "<password>sekrit</password>") ||
		!strings.Contains(out, "<registered") {
		t.Errorf("stored values not echoed back: %s", out)
	}

	out = registerIQ(t, h, juliet, stanza.SetIQ, "<remove/>")
	if !strings.Contains(out, `type="unsubscribe"`) || !strings.Contains(out, `type="unsubscribed"`) {
		t.Errorf("unregistration must revoke the subscription: %s", out)
	}
	if _, err := h.store.Get(context.Background(), juliet.Bare().String()); !errors.Is(err, spool.ErrNotFound) {
		t.Errorf("credential was not removed: %v", err)
	}

	out = registerIQ(t, h, juliet, stanza.GetIQ, "")
	if strings.Contains(out, "sekrit") || strings.Contains(out, "<registered") {
		t.Errorf("removed registration must read back blank: %s", out)
	}
}

func TestRegisterRemoveTearsDownSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	registerIQ(t, h, romeo, stanza.SetIQ, "<remove/>")
	if h.session() != nil || h.reg.Len() != 0 {
		t.Error("unregistration must tear down the running session")
	}
	waitFor(t, h.client.Closed, "remote connection was not closed")
}

func TestRegisterSetRejectsPartialForms(t *testing.T) {
	h := newHarness(t)
	juliet := jid.MustParse("juliet@example.net/chamber")

	for _, query := range []string{
		"",
		"<url>wss://chat.example.com/ws</url>",
		"<password>sekrit</password>",
		"<remove/><url>wss://chat.example.com/ws</url><password>sekrit</password>",
	} {
		out := registerIQ(t, h, juliet, stanza.SetIQ, query)
		if !strings.Contains(out, "bad-request") {
			t.Errorf("query %q: expected a bad-request error, got: %s", query, out)
		}
	}
}

func TestRegisterGetProbesClientFeatures(t *testing.T) {
	h := newHarness(t)
	registerIQ(t, h, romeo, stanza.GetIQ, "")

	stanzas := h.sender.Stanzas()
	if len(stanzas) != 1 {
		t.Fatalf("want one feature probe, got %d", len(stanzas))
	}
	if !strings.Contains(stanzas[0], "disco#info") || !strings.Contains(stanzas[0], `type="get"`) {
		t.Errorf("wrong feature probe: %s", stanzas[0])
	}
}
