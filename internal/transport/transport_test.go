package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/mediatrace/internal/event"
	"github.com/rs/zerolog"
)

type captureServer struct {
	mu      sync.Mutex
	bodies  [][]event.InteractionEvent
	status  int
	gotPath string
}

func (c *captureServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var batch []event.InteractionEvent
		if err := json.Unmarshal(data, &batch); err != nil {
			t.Errorf("body is not a JSON array: %v", err)
		}
		c.mu.Lock()
		c.bodies = append(c.bodies, batch)
		c.gotPath = r.URL.Path
		status := c.status
		c.mu.Unlock()
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func sampleEvents(n int) []event.InteractionEvent {
	out := make([]event.InteractionEvent, n)
	for i := range out {
		out[i] = event.InteractionEvent{
			ID:         "evt-" + string(rune('a'+i%26)),
			SessionID:  "s",
			ClientID:   "c",
			TS:         "2024-03-01T12:00:00.000Z",
			Type:       event.TypeSceneView,
			EntityType: event.EntityScene,
			EntityID:   uint32(i + 1),
		}
	}
	return out
}

func TestSyncURL(t *testing.T) {
	tests := map[string]string{
		"http://host:9999":     "http://host:9999/api/v1/interactions/sync",
		"http://host:9999/":    "http://host:9999/api/v1/interactions/sync",
		"https://host/prefix/": "https://host/prefix/api/v1/interactions/sync",
	}
	for in, want := range tests {
		if got := SyncURL(in); got != want {
			t.Errorf("SyncURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPSenderSuccess(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler(t))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, nil, 5*time.Second)
	if err := s.Send(context.Background(), sampleEvents(3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if capture.gotPath != SyncPath {
		t.Errorf("expected path %s, got %s", SyncPath, capture.gotPath)
	}
	if len(capture.bodies) != 1 || len(capture.bodies[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %v", capture.bodies)
	}
}

func TestHTTPSenderStatusError(t *testing.T) {
	capture := &captureServer{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(capture.handler(t))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, nil, 5*time.Second)
	err := s.Send(context.Background(), sampleEvents(1))
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 status error, got %v", err)
	}
}

func TestHTTPSenderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewHTTPSender(url, nil, time.Second)
	if err := s.Send(context.Background(), sampleEvents(1)); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestEncodeEmptyBatch(t *testing.T) {
	body, err := Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(body) != "[]" {
		t.Errorf("expected [], got %s", body)
	}
}

func TestBeaconDelivers(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler(t))
	defer srv.Close()

	u := NewUnloadSender(NewHTTPSender(srv.URL, nil, time.Second), 1, time.Second, zerolog.Nop())
	if !u.Beacon(sampleEvents(2)) {
		t.Fatal("expected beacon accepted")
	}
	if !u.Close(5 * time.Second) {
		t.Fatal("expected deliveries to finish")
	}
	if capture.count() != 1 {
		t.Errorf("expected 1 delivery, got %d", capture.count())
	}
	if u.Beacon(sampleEvents(1)) {
		t.Error("expected beacon rejected after close")
	}
}

func TestBeaconRejectsOversizedBatch(t *testing.T) {
	u := NewUnloadSender(NewHTTPSender("http://127.0.0.1:1", nil, time.Second), 1, time.Second, zerolog.Nop())
	defer u.Close(time.Second)

	events := sampleEvents(1)
	events[0].Metadata = event.Metadata{"query": strings.Repeat("x", MaxBeaconBytes)}
	if u.Beacon(events) {
		t.Error("expected oversized beacon rejected")
	}
}

func TestKeepaliveDelivers(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler(t))
	defer srv.Close()

	u := NewUnloadSender(NewHTTPSender(srv.URL, nil, time.Second), 1, time.Second, zerolog.Nop())
	u.Keepalive(sampleEvents(4))
	if !u.Close(5 * time.Second) {
		t.Fatal("expected keepalive to finish")
	}
	if capture.count() != 1 || len(capture.bodies[0]) != 4 {
		t.Errorf("expected one keepalive batch of 4, got %v", capture.bodies)
	}
}
