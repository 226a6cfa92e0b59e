package memsink

import (
	"os"
	"testing"
	"time"

	"kvmstream/frame"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	name := t.Name()
	s, err := Open(name, 4, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		path := s.Path()
		s.Close()
		os.Remove(path)
	})
	return s
}

func TestServerPutThenRead(t *testing.T) {
	s := newTestSink(t)

	f := &frame.Raw{Data: []byte("hello frame"), Online: true}
	s.ServerPut(f)

	data, online, ok := s.Read()
	if !ok {
		t.Fatal("Read reported not ok")
	}
	if string(data) != "hello frame" {
		t.Errorf("data = %q, want %q", data, "hello frame")
	}
	if !online {
		t.Error("expected online=true")
	}
}

func TestKeyRequestedRoundTrips(t *testing.T) {
	s := newTestSink(t)
	s.RequestKeyframe()

	keyReq := s.ServerPut(&frame.Raw{Data: []byte("a")})
	if !keyReq {
		t.Fatal("expected keyRequested=true on the put after RequestKeyframe")
	}

	keyReq2 := s.ServerPut(&frame.Raw{Data: []byte("b")})
	if keyReq2 {
		t.Fatal("keyRequested flag should have been cleared by the previous ServerPut")
	}
}

func TestHasClientsTracksHeartbeat(t *testing.T) {
	s := newTestSink(t)
	if s.HasClients(50 * time.Millisecond) {
		t.Fatal("no heartbeat yet; HasClients should be false")
	}
	s.Heartbeat()
	if !s.HasClients(50 * time.Millisecond) {
		t.Fatal("fresh heartbeat; HasClients should be true")
	}
	time.Sleep(150 * time.Millisecond)
	if s.HasClients(50 * time.Millisecond) {
		t.Fatal("stale heartbeat; HasClients should be false")
	}
}

func TestServerCheckGatesOnMinIntervalWhenIdle(t *testing.T) {
	s := newTestSink(t)
	s.SetMinInterval(100 * time.Millisecond)

	if !s.ServerCheck(time.Second) {
		t.Fatal("first check should always pass")
	}
	s.ServerPut(&frame.Raw{Data: []byte("x")})
	if s.ServerCheck(time.Second) {
		t.Fatal("immediate re-check with no clients should be gated by min interval")
	}
	time.Sleep(120 * time.Millisecond)
	if !s.ServerCheck(time.Second) {
		t.Fatal("check after min interval elapses should pass")
	}
}
