package session

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/droidscript/dssync/internal/devicetest"
)

func startDevice(t *testing.T) *devicetest.Server {
	t.Helper()
	dev := devicetest.NewServer(nil)
	if err := dev.Start(); err != nil {
		t.Fatalf("Failed to start device: %v", err)
	}
	t.Cleanup(func() { dev.Stop() })
	return dev
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type hooks struct {
	opens  atomic.Int32
	closes atomic.Int32

	mu    sync.Mutex
	lines []Line
}

func (h *hooks) config(addr string) *Config {
	return &Config{
		Address:   addr,
		Heartbeat: 50 * time.Millisecond,
		Logger:    log.New(io.Discard, "", 0),
		OnOpen:    func(context.Context) { h.opens.Add(1) },
		OnClose:   func() { h.closes.Add(1) },
		OnMessage: func(l Line) {
			h.mu.Lock()
			h.lines = append(h.lines, l)
			h.mu.Unlock()
		},
	}
}

func (h *hooks) received() []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Line(nil), h.lines...)
}

// TestStartStop verifies the open handshake, heartbeat and idempotent stop.
func TestStartStop(t *testing.T) {
	dev := startDevice(t)
	h := &hooks{}

	s, err := New(h.config(dev.URL()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("initial state = %v", s.State())
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !s.Connected() {
		t.Fatal("session should be connected after Start()")
	}
	if n := h.opens.Load(); n != 1 {
		t.Errorf("OnOpen ran %d times, want 1", n)
	}

	// A second Start while connected is a no-op.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	if n := h.opens.Load(); n != 1 {
		t.Errorf("OnOpen ran %d times after second Start, want 1", n)
	}

	waitFor(t, "keepalive", func() bool {
		msgs := dev.Messages()
		return len(msgs) >= 2 && msgs[0] == "debug" && msgs[len(msgs)-1] == "keepalive"
	})

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
	if s.Connected() {
		t.Error("session should be disconnected after Stop()")
	}
	if n := h.closes.Load(); n != 1 {
		t.Errorf("OnClose ran %d times, want 1", n)
	}
}

// TestReload verifies that Reload reruns the open hook on the same socket.
func TestReload(t *testing.T) {
	dev := startDevice(t)
	h := &hooks{}

	s, _ := New(h.config(dev.URL()))
	defer s.Stop()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, "client", func() bool { return dev.ClientCount() == 1 })

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if n := h.opens.Load(); n != 2 {
		t.Errorf("OnOpen ran %d times, want 2", n)
	}
	if n := dev.ClientCount(); n != 1 {
		t.Errorf("device sees %d sockets, want 1", n)
	}
}

// TestRemoteClose verifies that a device-side close runs the close path once.
func TestRemoteClose(t *testing.T) {
	dev := startDevice(t)
	h := &hooks{}

	s, _ := New(h.config(dev.URL()))
	defer s.Stop()

	states, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, "client", func() bool { return dev.ClientCount() == 1 })

	dev.DropClients()
	waitFor(t, "disconnect", func() bool { return !s.Connected() })
	waitFor(t, "close hook", func() bool { return h.closes.Load() == 1 })

	var seen []State
	for len(states) > 0 {
		seen = append(seen, <-states)
	}
	want := []State{Connecting, Connected, Disconnected}
	if len(seen) != len(want) {
		t.Fatalf("state changes = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("state change %d = %v, want %v", i, seen[i], want[i])
		}
	}

	// The session can be started again after a remote close.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if n := h.opens.Load(); n != 2 {
		t.Errorf("OnOpen ran %d times, want 2", n)
	}
}

// TestDialFailure verifies that an unreachable device resolves into the close path.
func TestDialFailure(t *testing.T) {
	dev := startDevice(t)
	addr := dev.URL()
	dev.Stop()

	h := &hooks{}
	cfg := h.config(addr)
	cfg.DialTimeout = time.Second
	s, _ := New(cfg)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the device is down")
	}
	if s.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	if h.opens.Load() != 0 || h.closes.Load() != 1 {
		t.Errorf("opens=%d closes=%d, want 0 and 1", h.opens.Load(), h.closes.Load())
	}
}

// TestMessages verifies that pushed log lines reach OnMessage decoded.
func TestMessages(t *testing.T) {
	dev := startDevice(t)
	h := &hooks{}

	s, _ := New(h.config(dev.URL()))
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, "client", func() bool { return dev.ClientCount() == 1 })

	dev.Broadcast("Hello%20world")
	dev.Broadcast("Error:x%20is%20undefined|12|/sdcard/DroidScript/MyApp/MyApp.js")

	waitFor(t, "lines", func() bool { return len(h.received()) == 2 })
	lines := h.received()
	if lines[0].Text != "Hello world" || lines[0].Error {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if !lines[1].Error {
		t.Errorf("line 1 should be an error: %+v", lines[1])
	}
}

// TestStartStop_Concurrent verifies that Start and Stop racing from
// several goroutines leave no socket goroutines behind. Run with -race.
func TestStartStop_Concurrent(t *testing.T) {
	dev := startDevice(t)
	h := &hooks{}

	s, err := New(h.config(dev.URL()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				_ = s.Start(ctx)
			}
		}()
		go func() {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				_ = s.Stop()
			}
		}()
	}
	wg.Wait()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("state after Stop = %v", s.State())
	}
	waitFor(t, "sockets closed", func() bool { return dev.ClientCount() == 0 })
	if opens, closes := h.opens.Load(), h.closes.Load(); opens > closes {
		t.Errorf("opens = %d, closes = %d; every open socket should be closed", opens, closes)
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	if _, err := New(&Config{Address: "ftp://device"}); err == nil {
		t.Error("New() should reject non-http addresses")
	}
}

func TestSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://192.168.1.20:8088":  "ws://192.168.1.20:8088/",
		"https://device.local:8088": "wss://device.local:8088/",
		"http://host:8088/ide?x=1":  "ws://host:8088/",
	}
	for in, want := range tests {
		got, err := socketURL(in)
		if err != nil {
			t.Errorf("socketURL(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("socketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
