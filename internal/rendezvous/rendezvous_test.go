package rendezvous

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		kind    Kind
		callID  string
		wantErr bool
	}{
		{"register", "REGISTER:101", Register, "101", false},
		{"bye", "BYE:101", Bye, "101", false},
		{"trailing newline", "REGISTER:102\n", Register, "102", false},
		{"padded id", "BYE:  103 ", Bye, "103", false},
		{"opaque id", "REGISTER:call-abc", Register, "call-abc", false},
		{"empty id", "REGISTER:", 0, "", true},
		{"blank id", "BYE:   ", 0, "", true},
		{"lowercase verb", "register:101", 0, "", true},
		{"unknown verb", "HELLO:101", 0, "", true},
		{"no colon", "REGISTER101", 0, "", true},
		{"empty", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("Expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if msg.Kind != tt.kind || msg.CallID != tt.callID {
				t.Errorf("Expected %s/%s, got %s/%s", tt.kind, tt.callID, msg.Kind, msg.CallID)
			}
		})
	}
}

func TestParseMessage_Limits(t *testing.T) {
	atLimit := "REGISTER:" + strings.Repeat("9", MaxDatagramBytes-len("REGISTER:"))
	if _, err := ParseMessage([]byte(atLimit)); err != nil {
		t.Errorf("Expected a %d-byte datagram to parse, got %v", MaxDatagramBytes, err)
	}
	if _, err := ParseMessage([]byte(atLimit + "9")); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected oversize datagram to be malformed, got %v", err)
	}
	if _, err := ParseMessage([]byte{'B', 'Y', 'E', ':', 0xff, 0xfe}); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected invalid UTF-8 to be malformed, got %v", err)
	}
}

func TestPresence(t *testing.T) {
	p := NewPresence()
	at := time.Unix(1700000000, 0)
	p.now = func() time.Time { return at }

	p.Upsert("101")
	seen, ok := p.Seen("101")
	if !ok || !seen.Equal(at) {
		t.Errorf("Expected 101 seen at %v, got %v (%v)", at, seen, ok)
	}

	at = at.Add(time.Second)
	p.Upsert("101")
	if seen, _ := p.Seen("101"); !seen.Equal(at) {
		t.Errorf("Expected re-registration to refresh the timestamp, got %v", seen)
	}
	if p.Len() != 1 {
		t.Errorf("Expected 1 record, got %d", p.Len())
	}

	p.Remove("101")
	p.Remove("unknown")
	if _, ok := p.Seen("101"); ok {
		t.Error("Expected record to be removed")
	}
}

type announcements struct {
	mu   sync.Mutex
	seen []string
	got  chan struct{}
}

func (a *announcements) add(s string) {
	a.mu.Lock()
	a.seen = append(a.seen, s)
	a.mu.Unlock()
	a.got <- struct{}{}
}

func (a *announcements) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func startListener(t *testing.T, a *announcements) (*Listener, context.CancelFunc, <-chan error) {
	t.Helper()
	l, err := Listen("127.0.0.1:0", 20*time.Millisecond, Handler{
		OnRegister: func(id string) { a.add("REGISTER " + id) },
		OnBye:      func(id string) { a.add("BYE " + id) },
	}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		l.Close()
	})
	return l, cancel, done
}

func send(t *testing.T, addr net.Addr, msgs ...string) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for _, m := range msgs {
		if _, err := conn.Write([]byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func waitFor(t *testing.T, a *announcements, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out after %d of %d announcements", i, n)
		}
	}
}

func TestListener_DispatchesAnnouncements(t *testing.T) {
	a := &announcements{got: make(chan struct{}, 16)}
	l, _, _ := startListener(t, a)

	send(t, l.Addr(), "REGISTER:101", "garbage", "REGISTER:", "BYE:101", "REGISTER:102")
	waitFor(t, a, 3)

	got := a.list()
	expected := []string{"REGISTER 101", "BYE 101", "REGISTER 102"}
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Announcement %d: expected %q, got %q", i, expected[i], got[i])
		}
	}

	if _, ok := l.Presence().Seen("101"); ok {
		t.Error("Expected BYE to remove 101 from presence")
	}
	if _, ok := l.Presence().Seen("102"); !ok {
		t.Error("Expected 102 to be present")
	}
}

func TestListener_DropsOversizeDatagram(t *testing.T) {
	a := &announcements{got: make(chan struct{}, 16)}
	l, _, _ := startListener(t, a)

	send(t, l.Addr(), "REGISTER:"+strings.Repeat("1", MaxDatagramBytes), "REGISTER:7")
	waitFor(t, a, 1)

	if got := a.list(); len(got) != 1 || got[0] != "REGISTER 7" {
		t.Errorf("Expected only REGISTER 7, got %v", got)
	}
}

func TestListener_StopsWithinPollInterval(t *testing.T) {
	a := &announcements{got: make(chan struct{}, 1)}
	l, cancel, done := startListener(t, a)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := l.Healthy(context.Background()); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ok, err := l.Healthy(context.Background()); !ok {
		t.Fatalf("Expected listener to be healthy, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Serve to return after cancellation")
	}
	if ok, _ := l.Healthy(context.Background()); ok {
		t.Error("Expected listener to report unhealthy after stopping")
	}
}

func TestListen_BindConflict(t *testing.T) {
	a := &announcements{got: make(chan struct{}, 1)}
	l, _, _ := startListener(t, a)

	if _, err := Listen(l.Addr().String(), time.Second, Handler{}, nil, zerolog.Nop()); err == nil {
		t.Error("Expected binding an occupied port to fail")
	}
}
