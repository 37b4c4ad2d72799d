// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package gatetest provides handler harnesses and scripted service
// fakes for testing the gateway.
package gatetest

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"sync"

	"mellium.im/xmlstream"

	"mellium.im/gate/remote"
	"mellium.im/gate/spool"
)

// Conn feeds a handler the tokens of one inbound stanza and records
// everything the handler encodes in response.
// It implements xmlstream.TokenReadEncoder.
type Conn struct {
	dec *xml.Decoder
	buf bytes.Buffer
	enc *xml.Encoder
}

// NewConn returns a Conn reading the given stanza.
func NewConn(stanza string) *Conn {
	c := &Conn{dec: xml.NewDecoder(strings.NewReader(stanza))}
	c.enc = xml.NewEncoder(&c.buf)
	return c
}

// Pop consumes and returns the next start element from the inbound
// stream.
func (c *Conn) Pop() *xml.StartElement {
	for {
		tok, err := c.dec.Token()
		if err != nil {
			return nil
		}
		if start, ok := tok.(xml.StartElement); ok {
			return &start
		}
	}
}

func (c *Conn) Token() (xml.Token, error) { return c.dec.Token() }

func (c *Conn) EncodeToken(t xml.Token) error { return c.enc.EncodeToken(t) }

func (c *Conn) Flush() error { return c.enc.Flush() }

func (c *Conn) Encode(v interface{}) error { return c.enc.Encode(v) }

func (c *Conn) EncodeElement(v interface{}, start xml.StartElement) error {
	return c.enc.EncodeElement(v, start)
}

// String returns everything encoded so far.
func (c *Conn) String() string {
	c.enc.Flush()
	return c.buf.String()
}

// Sender records stanzas pushed to the server.
type Sender struct {
	mu      sync.Mutex
	stanzas []string
}

// Send implements the gateway's outbound interface by rendering r to a
// string.
func (s *Sender) Send(ctx context.Context, r xml.TokenReader) error {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	s.stanzas = append(s.stanzas, buf.String())
	s.mu.Unlock()
	return nil
}

// Stanzas returns a copy of everything sent so far.
func (s *Sender) Stanzas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.stanzas))
	copy(out, s.stanzas)
	return out
}

// Reset discards recorded stanzas.
func (s *Sender) Reset() {
	s.mu.Lock()
	s.stanzas = nil
	s.mu.Unlock()
}

// Store is an in-memory credential store.
type Store struct {
	mu      sync.Mutex
	creds   map[string]spool.Credential
	flushes int

	// Err, when set, is returned by every operation.
	Err error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{creds: make(map[string]spool.Credential)}
}

func (s *Store) Get(ctx context.Context, account string) (spool.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return spool.Credential{}, s.Err
	}
	cred, ok := s.creds[account]
	if !ok {
		return spool.Credential{}, spool.ErrNotFound
	}
	return cred, nil
}

func (s *Store) Set(ctx context.Context, account string, cred spool.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.creds[account] = cred
	return nil
}

func (s *Store) Del(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.creds, account)
	return nil
}

func (s *Store) Has(ctx context.Context, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.creds[account]
	return ok, nil
}

func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.flushes++
	return nil
}

// Flushes reports how many times Flush has been called.
func (s *Store) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// SentText records one outbound service message.
type SentText struct {
	ConvID string
	Text   string
}

// SentTyping records one outbound typing update.
type SentTyping struct {
	ConvID string
	State  remote.TypingState
}

// Client is a scripted remote.Client.
type Client struct {
	Contacts  []remote.Contact
	Convs     []remote.Conversation
	Presences map[string]remote.Presence

	// Ev is the event channel handed to the session worker.
	// Close it to simulate a lost connection.
	Ev chan remote.Event

	mu     sync.Mutex
	texts  []SentText
	typing []SentTyping
	closed bool
}

// NewClient returns a client with an open event channel.
func NewClient() *Client {
	return &Client{Ev: make(chan remote.Event, 8)}
}

func (c *Client) Directory(ctx context.Context) ([]remote.Contact, []remote.Conversation, error) {
	return c.Contacts, c.Convs, nil
}

func (c *Client) QueryPresence(ctx context.Context, ids []string) (map[string]remote.Presence, error) {
	out := make(map[string]remote.Presence, len(ids))
	for _, id := range ids {
		if p, ok := c.Presences[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (c *Client) SendText(ctx context.Context, convID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, SentText{ConvID: convID, Text: text})
	return nil
}

func (c *Client) SendTyping(ctx context.Context, convID string, state remote.TypingState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, SentTyping{ConvID: convID, State: state})
	return nil
}

func (c *Client) Events() <-chan remote.Event { return c.Ev }

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Ev)
	}
	return nil
}

// Texts returns a copy of the messages sent to the service.
func (c *Client) Texts() []SentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentText, len(c.texts))
	copy(out, c.texts)
	return out
}

// Typing returns a copy of the typing updates sent to the service.
func (c *Client) Typing() []SentTyping {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentTyping, len(c.typing))
	copy(out, c.typing)
	return out
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer is a scripted remote.Dialer.
type Dialer struct {
	// Client is handed out by Dial.
	// If nil a fresh empty client is minted per dial.
	Client *Client

	// Err, when set, is returned by Dial instead of a client.
	Err error

	mu    sync.Mutex
	dials int
}

func (d *Dialer) Dial(ctx context.Context, cred remote.Credential) (remote.Client, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Client != nil {
		return d.Client, nil
	}
	return NewClient(), nil
}

// Dials reports how many times Dial has been called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
