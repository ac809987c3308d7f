package cache_test

import (
	"fmt"
	"testing"

	"veil/internal/cache"
	"veil/internal/domain"
)

func TestGetPut(t *testing.T) {
	c := cache.NewSessions(4)
	sess := domain.SessionState{PeerUser: "bob", PeerDevice: "phone", LastActiveUTC: 1}
	c.Put(sess)

	got, ok := c.Get("bob", "phone")
	if !ok {
		t.Fatal("session missing")
	}
	if got.PeerUser != "bob" || got.PeerDevice != "phone" {
		t.Fatal("wrong session")
	}
	if _, ok := c.Get("bob", "laptop"); ok {
		t.Fatal("unexpected hit for other device")
	}
}

func TestEviction(t *testing.T) {
	c := cache.NewSessions(2)
	for i := 0; i < 3; i++ {
		c.Put(domain.SessionState{
			PeerUser:   domain.UserID(fmt.Sprintf("user-%d", i)),
			PeerDevice: "phone",
		})
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("user-0", "phone"); ok {
		t.Fatal("oldest entry survived eviction")
	}
	if _, ok := c.Get("user-2", "phone"); !ok {
		t.Fatal("newest entry evicted")
	}
}

func TestCopiesAreIsolated(t *testing.T) {
	c := cache.NewSessions(4)
	sess := domain.SessionState{
		PeerUser:   "bob",
		PeerDevice: "phone",
		Ratchet:    domain.RatchetState{RootKey: []byte{1, 2, 3}},
	}
	c.Put(sess)

	got, _ := c.Get("bob", "phone")
	got.Ratchet.RootKey[0] = 0xFF

	again, _ := c.Get("bob", "phone")
	if again.Ratchet.RootKey[0] != 1 {
		t.Fatal("cached state mutated through a returned copy")
	}
}

func TestRemoveAndPurge(t *testing.T) {
	c := cache.NewSessions(4)
	c.Put(domain.SessionState{PeerUser: "bob", PeerDevice: "phone"})
	c.Remove("bob", "phone")
	if _, ok := c.Get("bob", "phone"); ok {
		t.Fatal("entry survived Remove")
	}
	c.Put(domain.SessionState{PeerUser: "carol", PeerDevice: "phone"})
	c.Purge()
	if c.Len() != 0 {
		t.Fatal("entries survived Purge")
	}
}
