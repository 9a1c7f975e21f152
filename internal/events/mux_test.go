package events

import (
	"testing"
	"time"
)

func TestPushDeliversToOpenChannel(t *testing.T) {
	m := NewMux(time.Hour, 10, nil)
	h := m.Open("alice__session__s1__a1")

	if !m.Push(h.Identity, Event{Kind: KindBroadcast, Payload: map[string]any{"body": "hi"}}) {
		t.Fatal("Push returned false for open identity")
	}

	select {
	case ev := <-h.C:
		if ev.Kind != KindBroadcast {
			t.Errorf("Kind = %q, want %q", ev.Kind, KindBroadcast)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPushToUnknownIdentityIsNoop(t *testing.T) {
	m := NewMux(time.Hour, 10, nil)

	if m.Push("nobody", Event{Kind: KindBroadcast}) {
		t.Error("Push to unknown identity returned true")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	m := NewMux(time.Hour, 10, nil)
	h := m.Open("id-1")

	m.Close("id-1")

	if m.Connected("id-1") {
		t.Error("identity still connected after Close")
	}
	if m.Push("id-1", Event{Kind: KindBroadcast}) {
		t.Error("Push after Close returned true")
	}

	// The channel ends cleanly for the receiver.
	select {
	case _, ok := <-h.C:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestReopenReplacesChannel(t *testing.T) {
	m := NewMux(time.Hour, 10, nil)
	first := m.Open("id-1")
	second := m.Open("id-1")

	// The first channel is torn down; the newest connection wins.
	select {
	case _, ok := <-first.C:
		if ok {
			t.Error("expected first channel closed, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("first channel not closed on reopen")
	}

	m.Push("id-1", Event{Kind: KindProgress})
	select {
	case ev := <-second.C:
		if ev.Kind != KindProgress {
			t.Errorf("Kind = %q, want %q", ev.Kind, KindProgress)
		}
	case <-time.After(time.Second):
		t.Fatal("second channel got no event")
	}
}

func TestCloseHandleSparesReplacement(t *testing.T) {
	m := NewMux(time.Hour, 10, nil)
	first := m.Open("id-1")
	second := m.Open("id-1")

	// A fast reconnect replaces the connection before the old holder
	// tears down. Its close must not touch the replacement.
	m.CloseHandle(first)

	if !m.Connected("id-1") {
		t.Fatal("identity disconnected by a stale handle's close")
	}
	if !m.Push("id-1", Event{Kind: KindBroadcast}) {
		t.Fatal("Push failed after stale handle close")
	}
	select {
	case ev, ok := <-second.C:
		if !ok {
			t.Fatal("replacement channel was closed by the stale handle")
		}
		if ev.Kind != KindBroadcast {
			t.Errorf("Kind = %q, want %q", ev.Kind, KindBroadcast)
		}
	case <-time.After(time.Second):
		t.Fatal("replacement channel got no event")
	}

	// Closing the current handle still disconnects normally.
	m.CloseHandle(second)
	if m.Connected("id-1") {
		t.Error("identity still connected after closing current handle")
	}
}

func TestKeepaliveAndLifetimeCap(t *testing.T) {
	m := NewMux(10*time.Millisecond, 3, nil)
	h := m.Open("id-1")

	keepalives := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.C:
			if !ok {
				if keepalives != 3 {
					t.Errorf("got %d keepalives before close, want 3", keepalives)
				}
				if m.Connected("id-1") {
					t.Error("identity still registered after lifetime cap")
				}
				return
			}
			if ev.Kind == KindKeepalive {
				keepalives++
			}
		case <-deadline:
			t.Fatal("channel never closed after lifetime cap")
		}
	}
}

func TestPushDropsWhenBufferFull(t *testing.T) {
	m := NewMux(time.Hour, 10, nil)
	h := m.Open("id-1")

	delivered := 0
	for i := 0; i < chanBuffer*2; i++ {
		if m.Push("id-1", Event{Kind: KindBroadcast}) {
			delivered++
		}
	}
	if delivered != chanBuffer {
		t.Errorf("delivered = %d, want buffer size %d (rest dropped, never blocked)", delivered, chanBuffer)
	}
	_ = h
}
