package notify

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ippproxy/internal/model"
)

type memStore struct {
	events []model.AdminEvent
	err    error
}

func (m *memStore) AddAdminEvent(_ context.Context, e model.AdminEvent) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.events = append(m.events, e)
	return int64(len(m.events)), nil
}

func TestPublishStoresAndBroadcasts(t *testing.T) {
	st := &memStore{}
	hub := NewHub()
	defer hub.Close()
	ch, cancel := hub.Subscribe()
	defer cancel()

	p := &Publisher{Store: st, Hub: hub}
	p.Publish(context.Background(), LevelWarn, "cups-job", "job 3 held")

	if len(st.events) != 1 || st.events[0].Level != "WARN" {
		t.Fatalf("stored = %+v", st.events)
	}
	select {
	case e := <-ch:
		if e.ID != 1 || e.Message != "job 3 held" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishSurvivesStoreFailure(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ch, cancel := hub.Subscribe()
	defer cancel()

	p := &Publisher{Store: &memStore{err: errors.New("disk full")}, Hub: hub}
	p.Publish(context.Background(), LevelError, "cups-job", "lookup failed")
	select {
	case e := <-ch:
		if e.ID != 0 || e.Level != LevelError {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubServesWebsocket(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(Event{Topic: "printers", Level: LevelInfo, Message: "refreshed"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Topic != "printers" || got.Message != "refreshed" {
		t.Fatalf("event = %+v", got)
	}
}
