// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bridge translates between XMPP stanzas and chat service
// sessions.
//
// A Gateway owns the per-user translation state (contact directories,
// conversation rooms, connected resources) and exposes two halves: a
// multiplexer for inbound stanzas obtained from Mux, and an outbound
// dispatcher started with Serve that turns session events back into
// stanzas.
// Both halves share one mutex, so handlers and the dispatcher never
// observe each other's partial updates.
package bridge // import "mellium.im/gate/bridge"

import (
	"context"
	"encoding/xml"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/version"

	"mellium.im/gate/remote"
	"mellium.im/gate/session"
	"mellium.im/gate/spool"
)

// Version is reported in response to software version queries.
const Version = "0.1.0"

// Sender pushes stanzas to the server.
// It is satisfied by *xmpp.Session.
type Sender interface {
	Send(ctx context.Context, r xml.TokenReader) error
}

// CredentialStore persists per-account service credentials.
// It is satisfied by *spool.DB.
type CredentialStore interface {
	Get(ctx context.Context, account string) (spool.Credential, error)
	Set(ctx context.Context, account string, cred spool.Credential) error
	Del(ctx context.Context, account string) error
	Has(ctx context.Context, account string) (bool, error)
	Flush(ctx context.Context) error
}

// Config describes the identity the gateway presents to the XMPP
// network.
type Config struct {
	// JID is the address of the gateway component.
	JID jid.JID

	// MUC is the address of the conference service used for group
	// conversations.
	// If it is the zero value group chat is disabled.
	MUC jid.JID

	// Name and Type are reported in service discovery and software
	// version responses.
	Name string
	Type string

	// RegisterURL is offered as the default service URL during
	// registration.
	RegisterURL string

	// Logger and Debug receive unexpected faults and verbose traces.
	// Either may be nil.
	Logger *log.Logger
	Debug  *log.Logger
}

// Gateway is the translation state machine between one XMPP component
// stream and the session registry.
type Gateway struct {
	addr        jid.JID
	muc         jid.JID
	name        string
	typ         string
	registerURL string

	store    CredentialStore
	registry *session.Registry
	sender   Sender
	client   *http.Client
	logger   *log.Logger
	debug    *log.Logger

	mu    sync.Mutex
	users map[string]*userSession
	disco map[string][]string
}

// userSession is the gateway side state of one logged in account.
type userSession struct {
	account   jid.JID
	contacts  map[string]remote.Contact
	convs     map[string]*room
	resources map[string]jid.JID
}

// room is a group conversation presented as a chat room.
type room struct {
	conv   remote.Conversation
	joined map[string]jid.JID
}

func newUserSession(account jid.JID) *userSession {
	return &userSession{
		account:   account,
		contacts:  make(map[string]remote.Contact),
		convs:     make(map[string]*room),
		resources: make(map[string]jid.JID),
	}
}

// New returns a gateway that persists credentials in store, runs
// sessions through registry, and pushes outbound stanzas to sender.
func New(cfg Config, store CredentialStore, registry *session.Registry, sender Sender) *Gateway {
	g := &Gateway{
		addr:        cfg.JID.Bare(),
		muc:         cfg.MUC.Bare(),
		name:        cfg.Name,
		typ:         cfg.Type,
		registerURL: cfg.RegisterURL,
		store:       store,
		registry:    registry,
		sender:      sender,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      cfg.Logger,
		debug:       cfg.Debug,
		users:       make(map[string]*userSession),
		disco:       make(map[string][]string),
	}
	if g.name == "" {
		g.name = "Gateway"
	}
	if g.typ == "" {
		g.typ = "chat"
	}
	if g.logger == nil {
		g.logger = log.New(io.Discard, "", 0)
	}
	if g.debug == nil {
		g.debug = log.New(io.Discard, "", 0)
	}
	return g
}

// Mux returns a multiplexer that routes inbound stanzas through the
// gateway.
func (g *Gateway) Mux() *mux.ServeMux {
	return mux.New(
		"",
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, g.handleAvailable),
		mux.PresenceFunc(stanza.PresenceType("invisible"), xml.Name{}, g.handleAvailable),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, g.handleUnavailable),
		mux.PresenceFunc(stanza.SubscribePresence, xml.Name{}, g.handleSubscribe),
		mux.PresenceFunc(stanza.SubscribedPresence, xml.Name{}, g.handleSubscribed),
		mux.PresenceFunc(stanza.UnsubscribePresence, xml.Name{}, g.handleUnsubscribe),
		mux.PresenceFunc(stanza.UnsubscribedPresence, xml.Name{}, g.handleUnsubscribed),
		mux.PresenceFunc(stanza.ProbePresence, xml.Name{}, g.handleProbe),

		mux.MessageFunc(stanza.ChatMessage, xml.Name{}, g.handleChat),
		mux.MessageFunc(stanza.NormalMessage, xml.Name{}, g.handleNormal),
		mux.MessageFunc(stanza.GroupChatMessage, xml.Name{}, g.handleGroupChat),
		mux.MessageFunc(stanza.HeadlineMessage, xml.Name{}, g.handleHeadline),

		mux.IQFunc(stanza.GetIQ, xml.Name{Space: disco.NSInfo, Local: "query"}, g.handleDiscoInfo),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: disco.NSItems, Local: "query"}, g.handleDiscoItems),
		mux.IQFunc(stanza.ResultIQ, xml.Name{Space: disco.NSInfo, Local: "query"}, g.handleDiscoResult),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: nsRegister, Local: "query"}, g.handleRegisterGet),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: nsRegister, Local: "query"}, g.handleRegisterSet),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: nsVCard, Local: "vCard"}, g.handleVCard),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: version.NS, Local: "query"}, g.handleVersion),
	)
}

// isGateway reports whether to addresses the gateway itself.
func (g *Gateway) isGateway(to jid.JID) bool {
	return to.Localpart() == "" && to.Domainpart() == g.addr.Domainpart()
}

// isContact reports whether to addresses a contact hosted by the
// gateway.
func (g *Gateway) isContact(to jid.JID) bool {
	return to.Localpart() != "" && to.Domainpart() == g.addr.Domainpart()
}

// isRoom reports whether to addresses the conference service or one of
// its rooms.
func (g *Gateway) isRoom(to jid.JID) bool {
	return g.groupChat() && to.Domainpart() == g.muc.Domainpart()
}

func (g *Gateway) groupChat() bool {
	return !g.muc.Equal(jid.JID{})
}

// contactJID maps a service contact ID onto an address at the gateway
// domain.
func (g *Gateway) contactJID(id string) jid.JID {
	j, err := jid.New(id, g.addr.Domainpart(), "")
	if err != nil {
		g.debug.Printf("bad contact ID %q: %v", id, err)
	}
	return j
}

// roomJID maps a conversation ID onto a room address at the conference
// domain.
func (g *Gateway) roomJID(convID string) jid.JID {
	j, err := jid.New(convID, g.muc.Domainpart(), "")
	if err != nil {
		g.debug.Printf("bad conversation ID %q: %v", convID, err)
	}
	return j
}

// occupantJID maps a participant of a conversation onto a room
// occupant address.
func (g *Gateway) occupantJID(convID, nick string) jid.JID {
	j, err := g.roomJID(convID).WithResource(nick)
	if err != nil {
		g.debug.Printf("bad nickname %q: %v", nick, err)
	}
	return j
}

// user returns the session state for the given bare account address.
// The gateway mutex must be held.
func (g *Gateway) user(account jid.JID) *userSession {
	return g.users[account.Bare().String()]
}

// registered reports whether a credential is on file for the sender of
// a stanza.
// Store faults are logged and treated as not registered.
func (g *Gateway) registered(ctx context.Context, from jid.JID) bool {
	ok, err := g.store.Has(ctx, from.Bare().String())
	if err != nil {
		g.logger.Printf("checking registration of %s: %v", from.Bare(), err)
		return false
	}
	return ok
}

// push sends a stanza to the server, logging failures.
func (g *Gateway) push(ctx context.Context, r xml.TokenReader) {
	if err := g.sender.Send(ctx, r); err != nil {
		g.logger.Printf("sending stanza: %v", err)
	}
}

// contactIDs returns the contact IDs of a session in stable order.
func (us *userSession) contactIDs() []string {
	ids := make([]string, 0, len(us.contacts))
	for id := range us.contacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
