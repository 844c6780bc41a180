package wsbridge

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(0, nil, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	c, err := Dial(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recvChan(register func(func([]byte))) <-chan string {
	ch := make(chan string, 16)
	register(func(msg []byte) { ch <- string(msg) })
	return ch
}

func expect(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func waitBool(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("port = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for port %v", want)
	}
}

func TestHub_RoundTrip(t *testing.T) {
	hub, url := startHub(t)
	fromPopups := recvChan(hub.OnReceive)

	c := dial(t, url)
	fromHub := recvChan(c.OnReceive)

	if err := c.Send(t.Context(), []byte(`{"lanternNetwork":true,"type":"hydrateState","data":{}}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	expect(t, fromPopups, `{"lanternNetwork":true,"type":"hydrateState","data":{}}`)

	deadline := time.Now().Add(5 * time.Second)
	for hub.Sessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := hub.Send(t.Context(), []byte("update")); err != nil {
		t.Fatalf("hub Send failed: %v", err)
	}
	expect(t, fromHub, "update")
}

func TestHub_BroadcastsToAllSessions(t *testing.T) {
	hub, url := startHub(t)
	opened := make(chan bool, 4)
	hub.OnPort(func(open bool) { opened <- open })

	a := dial(t, url)
	waitBool(t, opened, true)
	b := dial(t, url)
	inA := recvChan(a.OnReceive)
	inB := recvChan(b.OnReceive)

	deadline := time.Now().Add(5 * time.Second)
	for hub.Sessions() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := hub.Send(t.Context(), []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	expect(t, inA, "x")
	expect(t, inB, "x")
}

func TestHub_PortFollowsSessions(t *testing.T) {
	hub, url := startHub(t)
	port := make(chan bool, 4)
	hub.OnPort(func(open bool) { port <- open })

	c, err := Dial(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitBool(t, port, true)

	_ = c.Close()
	waitBool(t, port, false)

	if err := hub.Send(t.Context(), []byte("x")); !errors.Is(err, ErrNoSessions) {
		t.Errorf("err = %v, want ErrNoSessions", err)
	}
}

// TestHub_PortEventsAlternate churns sessions concurrently and checks that
// watchers see strictly alternating open/close events ending closed.
func TestHub_PortEventsAlternate(t *testing.T) {
	hub := NewHub(0, nil, nil)

	var mu sync.Mutex
	var events []bool
	hub.OnPort(func(open bool) {
		mu.Lock()
		events = append(events, open)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &session{id: "s", send: make(chan []byte, 1)}
			if !hub.register(s) {
				t.Error("register refused")
				return
			}
			hub.wg.Done() // no write pump in this test
			hub.unregister(s)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("no port events")
	}
	for i, open := range events {
		if want := i%2 == 0; open != want {
			t.Fatalf("event %d = %v, want %v (events %v)", i, open, want, events)
		}
	}
	if events[len(events)-1] {
		t.Error("last event should report closed")
	}
	if hub.Sessions() != 0 {
		t.Errorf("sessions = %d, want 0", hub.Sessions())
	}
}

func TestHub_CloseEndsSessions(t *testing.T) {
	hub, url := startHub(t)
	c := dial(t, url)

	deadline := time.Now().Add(5 * time.Second)
	for hub.Sessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = hub.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session not closed after hub Close")
	}
	if err := hub.Send(t.Context(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := c.Send(t.Context(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("conn err = %v, want ErrClosed", err)
	}
}
