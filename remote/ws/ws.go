// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ws speaks the chat service's WebSocket protocol.
//
// Every exchange is a JSON frame.
// Requests carry a unique ID that the service echoes on the matching
// response; frames without an ID are server pushed events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"mellium.im/gate/remote"
)

// Frame types.
const (
	frameAuth     = "auth"
	frameOK       = "ok"
	frameError    = "error"
	frameDir      = "directory"
	framePresence = "presence_query"
	frameSendText = "send_text"
	frameTyping   = "send_typing"

	eventPresence = "event.presence"
	eventMessage  = "event.message"
	eventTyping   = "event.typing"
)

const errAuthFailed = "auth_failed"

// frame is the unit of exchange on the wire.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type contactDTO struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Emails        []string `json:"emails,omitempty"`
	Phones        []string `json:"phones,omitempty"`
	AvatarURL     string   `json:"avatar_url,omitempty"`
	Status        string   `json:"status,omitempty"`
	StatusMessage string   `json:"status_message,omitempty"`
}

type conversationDTO struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Topic        string            `json:"topic,omitempty"`
	Participants map[string]string `json:"participants"`
	SelfID       string            `json:"self_id"`
}

type directoryDTO struct {
	Contacts      []contactDTO      `json:"contacts"`
	Conversations []conversationDTO `json:"conversations"`
}

type presenceDTO struct {
	Presences map[string]struct {
		Status        string `json:"status"`
		StatusMessage string `json:"status_message,omitempty"`
	} `json:"presences"`
}

type presenceEventDTO struct {
	ContactID     string `json:"contact_id"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
}

type messageEventDTO struct {
	ConvID       string `json:"conv_id"`
	Type         string `json:"type"`
	SenderID     string `json:"sender_id"`
	SenderIsSelf bool   `json:"sender_is_self"`
	Text         string `json:"text"`
}

type typingEventDTO struct {
	ConvID    string `json:"conv_id"`
	Type      string `json:"type"`
	ContactID string `json:"contact_id"`
	IsSelf    bool   `json:"is_self"`
	State     string `json:"state"`
}

// Dialer connects to the chat service and implements remote.Dialer.
// The zero value is ready to use.
type Dialer struct {
	// Handshake bounds the WebSocket handshake.
	// Zero means 30 seconds.
	Handshake time.Duration

	// Logger and Debug receive connection faults and frame traces.
	// Either may be nil.
	Logger *log.Logger
	Debug  *log.Logger
}

// Dial connects to cred.URL and authenticates with cred.Token.
// A rejected token is reported as *remote.AuthError.
func (d *Dialer) Dial(ctx context.Context, cred remote.Credential) (remote.Client, error) {
	handshake := d.Handshake
	if handshake == 0 {
		handshake = 30 * time.Second
	}
	wd := websocket.Dialer{HandshakeTimeout: handshake}
	conn, resp, err := wd.DialContext(ctx, cred.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dialing %s: %w", cred.URL, err)
	}

	c := &client{
		conn:    conn,
		logger:  d.Logger,
		debug:   d.Debug,
		events:  make(chan remote.Event, 32),
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	if c.debug == nil {
		c.debug = log.New(io.Discard, "", 0)
	}

	if err := c.auth(ctx, cred.Token); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

type client struct {
	conn   *websocket.Conn
	logger *log.Logger
	debug  *log.Logger
	events chan remote.Event

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	closeOnce sync.Once
	done      chan struct{}
}

// auth performs the first exchange on the fresh connection.
// It runs before the read loop starts, so it reads the response
// directly.
func (c *client) auth(ctx context.Context, token string) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		c.conn.SetWriteDeadline(deadline)
		defer func() {
			c.conn.SetReadDeadline(time.Time{})
			c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	payload, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return err
	}
	if err := c.conn.WriteJSON(frame{ID: newID(), Type: frameAuth, Payload: payload}); err != nil {
		return fmt.Errorf("ws: sending auth: %w", err)
	}
	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("ws: reading auth response: %w", err)
	}
	if f.Type == frameError {
		if f.Error == errAuthFailed || f.Error == "" {
			return &remote.AuthError{Reason: f.Error}
		}
		return fmt.Errorf("ws: auth: %s", f.Error)
	}
	return nil
}

func newID() string {
	return ulid.Make().String()
}

// call sends a request frame and waits for the response with the same
// ID.
func (c *client) call(ctx context.Context, typ string, payload, result interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	id := newID()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(frame{ID: id, Type: typ, Payload: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("ws: sending %s: %w", typ, err)
	}

	select {
	case f := <-ch:
		if f.Type == frameError {
			return fmt.Errorf("ws: %s: %s", typ, f.Error)
		}
		if result != nil && len(f.Payload) > 0 {
			return json.Unmarshal(f.Payload, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("ws: connection closed")
	}
}

// readLoop routes inbound frames until the connection dies.
func (c *client) readLoop() {
	defer close(c.events)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Printf("ws: read: %v", err)
			}
			c.closeOnce.Do(func() { close(c.done) })
			c.conn.Close()
			return
		}
		if f.ID != "" {
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			} else {
				c.debug.Printf("ws: dropping response for unknown request %s", f.ID)
			}
			continue
		}
		if ev := decodeEvent(f, c.debug); ev != nil {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

func decodeEvent(f frame, debug *log.Logger) remote.Event {
	switch f.Type {
	case eventPresence:
		var dto presenceEventDTO
		if err := json.Unmarshal(f.Payload, &dto); err != nil {
			debug.Printf("ws: bad presence event: %v", err)
			return nil
		}
		return remote.PresenceChanged{
			ContactID:     dto.ContactID,
			Status:        remote.Status(dto.Status),
			StatusMessage: dto.StatusMessage,
		}
	case eventMessage:
		var dto messageEventDTO
		if err := json.Unmarshal(f.Payload, &dto); err != nil {
			debug.Printf("ws: bad message event: %v", err)
			return nil
		}
		return remote.Message{
			ConvID:       dto.ConvID,
			Type:         remote.ChatType(dto.Type),
			SenderID:     dto.SenderID,
			SenderIsSelf: dto.SenderIsSelf,
			Text:         dto.Text,
		}
	case eventTyping:
		var dto typingEventDTO
		if err := json.Unmarshal(f.Payload, &dto); err != nil {
			debug.Printf("ws: bad typing event: %v", err)
			return nil
		}
		return remote.Typing{
			ConvID:    dto.ConvID,
			Type:      remote.ChatType(dto.Type),
			ContactID: dto.ContactID,
			IsSelf:    dto.IsSelf,
			State:     remote.TypingState(dto.State),
		}
	}
	debug.Printf("ws: dropping unknown event %q", f.Type)
	return nil
}

// Directory implements remote.Client.
func (c *client) Directory(ctx context.Context) ([]remote.Contact, []remote.Conversation, error) {
	var dto directoryDTO
	if err := c.call(ctx, frameDir, nil, &dto); err != nil {
		return nil, nil, err
	}
	contacts := make([]remote.Contact, 0, len(dto.Contacts))
	for _, d := range dto.Contacts {
		contacts = append(contacts, remote.Contact{
			ID:            d.ID,
			Name:          d.Name,
			FullName:      d.FullName,
			Emails:        d.Emails,
			Phones:        d.Phones,
			AvatarURL:     d.AvatarURL,
			Status:        remote.Status(d.Status),
			StatusMessage: d.StatusMessage,
		})
	}
	convs := make([]remote.Conversation, 0, len(dto.Conversations))
	for _, d := range dto.Conversations {
		convs = append(convs, remote.Conversation{
			ID:           d.ID,
			Type:         remote.ChatType(d.Type),
			Topic:        d.Topic,
			Participants: d.Participants,
			SelfID:       d.SelfID,
		})
	}
	return contacts, convs, nil
}

// QueryPresence implements remote.Client.
func (c *client) QueryPresence(ctx context.Context, ids []string) (map[string]remote.Presence, error) {
	req := struct {
		ContactIDs []string `json:"contact_ids"`
	}{ContactIDs: ids}
	var dto presenceDTO
	if err := c.call(ctx, framePresence, req, &dto); err != nil {
		return nil, err
	}
	out := make(map[string]remote.Presence, len(dto.Presences))
	for id, p := range dto.Presences {
		out[id] = remote.Presence{
			Status:        remote.Status(p.Status),
			StatusMessage: p.StatusMessage,
		}
	}
	return out, nil
}

// SendText implements remote.Client.
func (c *client) SendText(ctx context.Context, convID, text string) error {
	req := struct {
		ConvID string `json:"conv_id"`
		Text   string `json:"text"`
	}{ConvID: convID, Text: text}
	return c.call(ctx, frameSendText, req, nil)
}

// SendTyping implements remote.Client.
func (c *client) SendTyping(ctx context.Context, convID string, state remote.TypingState) error {
	req := struct {
		ConvID string `json:"conv_id"`
		State  string `json:"state"`
	}{ConvID: convID, State: string(state)}
	return c.call(ctx, frameTyping, req, nil)
}

// Events implements remote.Client.
func (c *client) Events() <-chan remote.Event {
	return c.events
}

// Close implements remote.Client.
func (c *client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
