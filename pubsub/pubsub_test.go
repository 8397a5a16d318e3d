package pubsub

import (
	"testing"
	"time"
)

func TestPubSubDeliversInOrder(t *testing.T) {
	ps := NewPubSub(10)
	got := make(chan Payload, 10)
	go ps.Listen(ChanAuth, func(p Payload) {
		got <- p
	})
	want := []*DeviceRevoked{
		{TenantID: "t1", UserID: "u1", DeviceID: "d1"},
		{TenantID: "t1", UserID: "u1", DeviceID: "d2"},
	}
	for _, p := range want {
		if err := ps.Notify(ChanAuth, p); err != nil {
			t.Fatalf("Notify: %s", err)
		}
	}
	for i := range want {
		select {
		case p := <-got:
			revoked, ok := p.(*DeviceRevoked)
			if !ok {
				t.Fatalf("payload %d has type %s", i, p.Type())
			}
			if revoked.DeviceID != want[i].DeviceID {
				t.Errorf("payload %d device = %s, want %s", i, revoked.DeviceID, want[i].DeviceID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for payload %d", i)
		}
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
}

func TestPubSubChannelsAreIsolated(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	authPayloads := make(chan Payload, 10)
	go ps.Listen(ChanAuth, func(p Payload) {
		authPayloads <- p
	})
	if err := ps.Notify(ChanSync, &SyncComplete{Entity: "customers", ServerVersion: 1}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	select {
	case p := <-authPayloads:
		t.Fatalf("auth listener received a %s payload from the sync channel", p.Type())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSubCloseStopsListeners(t *testing.T) {
	ps := NewPubSub(1)
	done := make(chan error, 1)
	go func() {
		done <- ps.Listen(ChanSync, func(p Payload) {})
	}()
	time.Sleep(50 * time.Millisecond)
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen returned %s", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Close")
	}
	// closing twice is a no-op
	if err := ps.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
}
