package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newPair(t *testing.T, mr *miniredis.Miniredis) (*Transport, *Transport) {
	t.Helper()
	cfg := Config{URL: "redis://" + mr.Addr(), PresenceInterval: 10 * time.Millisecond}

	cfg.Role = RoleOffscreen
	off, err := New(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("new offscreen: %v", err)
	}
	t.Cleanup(func() { _ = off.Close() })

	cfg.Role = RoleBackground
	bg, err := New(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("new background: %v", err)
	}
	t.Cleanup(func() { _ = bg.Close() })
	return off, bg
}

func TestTransport_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	off, bg := newPair(t, mr)

	got := make(chan string, 1)
	bg.OnReceive(func(msg []byte) { got <- string(msg) })

	msg := `{"lanternNetwork":true,"type":"stateUpdate","data":{"emitter":"ready","value":true}}`
	if err := off.Send(t.Context(), []byte(msg)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-got:
		if m != msg {
			t.Errorf("received %s, want %s", m, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTransport_PublishesOnPeerChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	off, _ := newPair(t, mr)

	sub := mr.NewSubscriber()
	sub.Subscribe(Channel(DefaultPrefix, RoleBackground))
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() { ch <- <-sub.Messages() }()

	if err := off.Send(t.Context(), []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-ch:
		if m.Channel != "statebus:background" {
			t.Errorf("channel = %q", m.Channel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestTransport_Presence(t *testing.T) {
	mr := miniredis.RunT(t)
	off, bg := newPair(t, mr)

	states := make(chan bool, 8)
	off.OnPort(func(open bool) { states <- open })

	waitState := func(want bool) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("presence never became %v", want)
			}
		}
	}

	waitState(true)
	_ = bg.Close()
	waitState(false)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{Role: RoleOffscreen}},
		{"bad url", Config{URL: "://nope", Role: RoleOffscreen}},
		{"bad role", Config{URL: "redis://localhost:6379", Role: "popup"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(t.Context(), tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
