// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package gate

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"mellium.im/gate/internal/gatetest"
)

var errStreamClosed = errors.New("stream closed")

type fakeStream struct {
	once sync.Once
	done chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) Send(ctx context.Context, r xml.TokenReader) error { return nil }

func (s *fakeStream) Serve(h xmpp.Handler) error {
	<-s.done
	return errStreamClosed
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func testConfig(dial func(ctx context.Context) (Stream, error)) Config {
	return Config{
		JID:        jid.MustParse("gate.example.net"),
		Store:      gatetest.NewStore(),
		Dialer:     &gatetest.Dialer{},
		Dial:       dial,
		RetryDelay: time.Millisecond,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	dial := func(ctx context.Context) (Stream, error) { return newFakeStream(), nil }
	for name, cfg := range map[string]Config{
		"no jid":    {Store: gatetest.NewStore(), Dialer: &gatetest.Dialer{}, Dial: dial},
		"no store":  {JID: jid.MustParse("gate.example.net"), Dialer: &gatetest.Dialer{}, Dial: dial},
		"no dialer": {JID: jid.MustParse("gate.example.net"), Store: gatetest.NewStore(), Dial: dial},
		"no dial":   {JID: jid.MustParse("gate.example.net"), Store: gatetest.NewStore(), Dialer: &gatetest.Dialer{}},
	} {
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: expected a config error", name)
		}
	}
	if _, err := New(testConfig(dial)); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestStopEndsRun(t *testing.T) {
	dialed := make(chan struct{}, 1)
	dial := func(ctx context.Context) (Stream, error) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return newFakeStream(), nil
	}
	b, err := New(testConfig(dial))
	if err != nil {
		t.Fatalf("building bridge: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	select {
	case <-dialed:
	case <-time.After(time.Second):
		t.Fatal("stream was never dialed")
	}
	b.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run must return nil after stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after stop")
	}
}

func TestStreamLossTriggersRedial(t *testing.T) {
	var (
		mu      sync.Mutex
		streams []*fakeStream
	)
	dial := func(ctx context.Context) (Stream, error) {
		s := newFakeStream()
		mu.Lock()
		streams = append(streams, s)
		mu.Unlock()
		return s, nil
	}
	b, err := New(testConfig(dial))
	if err != nil {
		t.Fatalf("building bridge: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	first := func() *fakeStream {
		mu.Lock()
		defer mu.Unlock()
		if len(streams) == 0 {
			return nil
		}
		return streams[0]
	}
	deadline := time.Now().Add(time.Second)
	for first() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s := first()
	if s == nil {
		t.Fatal("stream was never dialed")
	}
	s.Close()

	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(streams)
		mu.Unlock()
		if n >= 2 {
			b.Stop()
			if err := <-done; err != nil {
				t.Errorf("run must return nil after stop, got %v", err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("stream was not redialed after loss")
}

func TestDialErrorsAreRetried(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	dial := func(ctx context.Context) (Stream, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}
	b, err := New(testConfig(dial))
	if err != nil {
		t.Fatalf("building bridge: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Errorf("run must report cancellation, got %v", err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("failed dial was not retried")
}
