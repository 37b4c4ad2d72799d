// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/gate/internal/gatetest"
	"mellium.im/gate/remote"
	"mellium.im/gate/session"
	"mellium.im/gate/spool"
)

var (
	gwJID  = jid.MustParse("gate.example.net")
	mucJID = jid.MustParse("conference.gate.example.net")
	romeo  = jid.MustParse("romeo@example.net/balcony")
	romeo2 = jid.MustParse("romeo@example.net/garden")
)

const testToken = "t0ken"

func scriptedClient() *gatetest.Client {
	c := gatetest.NewClient()
	c.Contacts = []remote.Contact{
		{ID: "benvolio", Name: "Ben", FullName: "Benvolio Montague", Status: remote.Online},
		{ID: "mercutio", Name: "Mercutio", FullName: "Mercutio Escalus", Status: remote.Away, StatusMessage: "dueling"},
	}
	c.Convs = []remote.Conversation{
		{
			ID:           "conv-direct",
			Type:         remote.ChatOneToOne,
			Participants: map[string]string{"romeo-id": "Romeo", "benvolio": "Ben"},
			SelfID:       "romeo-id",
		},
		{
			ID:           "conv-group",
			Type:         remote.ChatGroup,
			Topic:        "Verona plans",
			Participants: map[string]string{"romeo-id": "Romeo", "benvolio": "Ben", "mercutio": "Mercutio"},
			SelfID:       "romeo-id",
		},
	}
	return c
}

type harness struct {
	g      *Gateway
	sender *gatetest.Sender
	store  *gatetest.Store
	reg    *session.Registry
	client *gatetest.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := scriptedClient()
	reg := session.NewRegistry(&gatetest.Dialer{Client: client})
	sender := &gatetest.Sender{}
	store := gatetest.NewStore()
	err := store.Set(context.Background(), romeo.Bare().String(), spool.Credential{
		URL:       "wss://chat.example.com/ws",
		AuthToken: testToken,
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	g := New(Config{JID: gwJID, MUC: mucJID, Name: "Gateway"}, store, reg, sender)
	return &harness{g: g, sender: sender, store: store, reg: reg, client: client}
}

// pump applies n session events to the gateway, standing in for the
// dispatcher loop.
func (h *harness) pump(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case ev := <-h.reg.Events():
			h.g.apply(context.Background(), ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for session event %d", i)
		}
	}
}

// connect delivers available presence from the given resource and
// returns the handler's direct replies.
func (h *harness) connect(t *testing.T, from jid.JID) string {
	t.Helper()
	conn := gatetest.NewConn(fmt.Sprintf("<presence from='%s' to='%s'/>", from, gwJID))
	p := stanza.Presence{From: from, To: gwJID}
	if err := h.g.handleAvailable(p, conn); err != nil {
		t.Fatalf("handling available presence: %v", err)
	}
	return conn.String()
}

// disconnect delivers unavailable presence from the given resource.
func (h *harness) disconnect(t *testing.T, from jid.JID) string {
	t.Helper()
	conn := gatetest.NewConn(fmt.Sprintf("<presence type='unavailable' from='%s' to='%s'/>", from, gwJID))
	p := stanza.Presence{From: from, To: gwJID, Type: stanza.UnavailablePresence}
	if err := h.g.handleUnavailable(p, conn); err != nil {
		t.Fatalf("handling unavailable presence: %v", err)
	}
	return conn.String()
}

func (h *harness) session() *userSession {
	h.g.mu.Lock()
	defer h.g.mu.Unlock()
	return h.g.users[romeo.Bare().String()]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionTracksConnectedResources(t *testing.T) {
	h := newHarness(t)

	out := h.connect(t, romeo)
	if !strings.Contains(out, `to="`+romeo.String()+`"`) || strings.Contains(out, "error") {
		t.Errorf("first resource was not acknowledged: %s", out)
	}
	if h.session() == nil || h.reg.Len() != 1 {
		t.Fatal("first available presence must create the session and its worker")
	}
	h.pump(t, 2)

	h.connect(t, romeo2)
	us := h.session()
	h.g.mu.Lock()
	resources := len(us.resources)
	h.g.mu.Unlock()
	if resources != 2 {
		t.Fatalf("wrong resource count: want 2, got %d", resources)
	}

	h.disconnect(t, romeo)
	if h.session() == nil || h.reg.Len() != 1 {
		t.Fatal("session must survive while a resource remains connected")
	}

	h.disconnect(t, romeo2)
	if h.session() != nil || h.reg.Len() != 0 {
		t.Fatal("session must be torn down with its last resource")
	}
	waitFor(t, h.client.Closed, "remote connection was not closed")
}

func TestSecondResourceGetsStatusReplay(t *testing.T) {
	h := newHarness(t)
	h.connect(t, romeo)
	h.pump(t, 2)

	out := h.connect(t, romeo2)
	if !strings.Contains(out, `from="benvolio@gate.example.net"`) ||
		!strings.Contains(out, `from="mercutio@gate.example.net"`) {
		t.Errorf("missing status replay for the new resource: %s", out)
	}
	if !strings.Contains(out, "<show>xa</show>") || !strings.Contains(out, "dueling") {
		t.Errorf("away status not replayed: %s", out)
	}
}

func TestUnregisteredSenderGetsRegistrationRequired(t *testing.T) {
	h := newHarness(t)
	stranger := jid.MustParse("tybalt@example.net/sword")
	conn := gatetest.NewConn(fmt.Sprintf("<presence from='%s' to='%s'/>", stranger, gwJID))
	p := stanza.Presence{From: stranger, To: gwJID}
	if err := h.g.handleAvailable(p, conn); err != nil {
		t.Fatalf("handling available presence: %v", err)
	}
	out := conn.String()
	if !strings.Contains(out, "registration-required") {
		t.Errorf("expected a registration-required error, got: %s", out)
	}
	if h.reg.Len() != 0 {
		t.Error("no session may be created for unregistered users")
	}
}

func TestProbeFromUnregisteredRevokesSubscription(t *testing.T) {
	h := newHarness(t)
	stranger := jid.MustParse("tybalt@example.net/sword")
	conn := gatetest.NewConn(fmt.Sprintf("<presence type='probe' from='%s' to='%s'/>", stranger, gwJID))
	p := stanza.Presence{From: stranger, To: gwJID, Type: stanza.ProbePresence}
	if err := h.g.handleProbe(p, conn); err != nil {
		t.Fatalf("handling probe: %v", err)
	}
	out := conn.String()
	if !strings.Contains(out, `type="unsubscribe"`) || !strings.Contains(out, `type="unsubscribed"`) {
		t.Errorf("expected an unsubscribe pair, got: %s", out)
	}
}
