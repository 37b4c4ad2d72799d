// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"mellium.im/xmpp/stanza"

	"mellium.im/gate/internal/gatetest"
)

func (h *harness) subscribed(t *testing.T) string {
	t.Helper()
	conn := gatetest.NewConn(fmt.Sprintf("<presence type='subscribed' from='%s' to='%s'/>", romeo, gwJID))
	p := stanza.Presence{From: romeo, To: gwJID, Type: stanza.SubscribedPresence}
	if err := h.g.handleSubscribed(p, conn); err != nil {
		t.Fatalf("handling subscribed presence: %v", err)
	}
	return conn.String()
}

func TestSubscribedWithRosterExchange(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	h.g.mu.Lock()
	h.g.disco[romeo.String()] = []string{nsChatStates, nsRosterX}
	h.g.mu.Unlock()

	out := h.subscribed(t)
	if n := strings.Count(out, `xmlns="`+nsRosterX+`"`); n != 1 {
		t.Fatalf("want exactly one roster exchange message, got %d: %s", n, out)
	}
	if n := strings.Count(out, `action="add"`); n != 2 {
		t.Errorf("want one add item per contact, got %d: %s", n, out)
	}
	if strings.Contains(out, `type="subscribe"`) {
		t.Errorf("no individual subscriptions expected with roster exchange: %s", out)
	}
	if !strings.Contains(out, `type="subscribed"`) {
		t.Errorf("missing the gateway's own subscribed presence: %s", out)
	}
}

func TestSubscribedFallsBackToSubscribes(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	out := h.subscribed(t)
	if strings.Contains(out, `xmlns="`+nsRosterX+`"`) {
		t.Fatalf("roster exchange used without the client advertising it: %s", out)
	}
	if n := strings.Count(out, `type="subscribe"`); n != 2 {
		t.Errorf("want one subscribe presence per contact, got %d: %s", n, out)
	}
	if !strings.Contains(out, `from="benvolio@gate.example.net"`) ||
		!strings.Contains(out, `from="mercutio@gate.example.net"`) {
		t.Errorf("subscriptions must come from the contact addresses: %s", out)
	}
}

func TestSubscribedPersistsFlag(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)
	h.subscribed(t)

	cred, err := h.store.Get(context.Background(), romeo.Bare().String())
	if err != nil {
		t.Fatalf("loading credential: %v", err)
	}
	if !cred.Subscribed {
		t.Error("subscribed flag was not persisted")
	}
}

func TestSubscribeToGatewayIsApproved(t *testing.T) {
	h := newHarness(t)
	conn := gatetest.NewConn(fmt.Sprintf("<presence type='subscribe' from='%s' to='%s'/>", romeo, gwJID))
	p := stanza.Presence{From: romeo, To: gwJID, Type: stanza.SubscribePresence}
	if err := h.g.handleSubscribe(p, conn); err != nil {
		t.Fatalf("handling subscribe presence: %v", err)
	}
	if out := conn.String(); !strings.Contains(out, `type="subscribed"`) {
		t.Errorf("subscription to the gateway must be approved: %s", out)
	}
}

func TestSubscribeToUnknownContactRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	to := h.g.contactJID("paris")
	conn := gatetest.NewConn(fmt.Sprintf("<presence type='subscribe' from='%s' to='%s'/>", romeo, to))
	p := stanza.Presence{From: romeo, To: to, Type: stanza.SubscribePresence}
	if err := h.g.handleSubscribe(p, conn); err != nil {
		t.Fatalf("handling subscribe presence: %v", err)
	}
	if out := conn.String(); !strings.Contains(out, "not-acceptable") {
		t.Errorf("expected a not-acceptable error: %s", out)
	}
}

func TestDiscoResultSeedsFeatureCache(t *testing.T) {
	h := newHarness(t)
	conn := gatetest.NewConn(fmt.Sprintf(
		"<iq type='result' from='%s' to='%s' id='123'><query xmlns='http://jabber.org/protocol/disco#info'><feature var='%s'/><feature var='%s'/></query></iq>",
		romeo, gwJID, nsChatStates, nsRosterX,
	))
	conn.Pop() // iq
	start := conn.Pop()
	iq := stanza.IQ{From: romeo, To: gwJID, ID: "123", Type: stanza.ResultIQ}
	if err := h.g.handleDiscoResult(iq, conn, start); err != nil {
		t.Fatalf("handling disco result: %v", err)
	}
	if !h.g.supportsRosterX(romeo) {
		t.Error("roster exchange feature was not recorded")
	}
}
