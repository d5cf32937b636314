package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func TestRegistry_RegisterIsCreateOnly(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Session{ConnID: "c1", SecretToken: "s1", Room: "general"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(Session{ConnID: "c1", SecretToken: "s2"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Register() error = %v, want ErrExists", err)
	}
	s, ok := r.Get("c1")
	if !ok || s.SecretToken != "s1" {
		t.Errorf("Get() = %+v, %v; duplicate must not overwrite", s, ok)
	}
}

func TestRegistry_UpdatesRequireLiveSession(t *testing.T) {
	r := NewRegistry()
	if _, err := r.UpdateRoom("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRoom() error = %v, want ErrNotFound", err)
	}
	if err := r.UpdateName("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateName() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_RoomIndexFollowsMoves(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Session{ConnID: "c1", SecretToken: "s1", Room: "a"})
	_ = r.Register(Session{ConnID: "c2", SecretToken: "s2", Room: "a"})

	prev, err := r.UpdateRoom("c1", "b")
	if err != nil || prev != "a" {
		t.Fatalf("UpdateRoom() = %q, %v", prev, err)
	}
	if got := r.MembersOf("a"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("MembersOf(a) = %v, want [c2]", got)
	}
	if got := r.MembersOf("b"); len(got) != 1 || got[0] != "c1" {
		t.Errorf("MembersOf(b) = %v, want [c1]", got)
	}

	if _, err := r.UpdateRoom("c1", ""); err != nil {
		t.Fatal(err)
	}
	if got := r.MembersOf("b"); len(got) != 0 {
		t.Errorf("MembersOf(b) after leave = %v", got)
	}
}

func TestRegistry_MoveIfChecksCurrentRoom(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Session{ConnID: "c1", Room: "a"})

	moved, err := r.MoveIf("c1", "b", "")
	if err != nil || moved {
		t.Fatalf("MoveIf(from=b) = %v, %v; want no move", moved, err)
	}
	if got := r.MembersOf("a"); len(got) != 1 {
		t.Errorf("MembersOf(a) = %v, want [c1]", got)
	}
	moved, err = r.MoveIf("c1", "a", "")
	if err != nil || !moved {
		t.Fatalf("MoveIf(from=a) = %v, %v; want move", moved, err)
	}
	if got := r.MembersOf("a"); len(got) != 0 {
		t.Errorf("MembersOf(a) after move = %v", got)
	}
	if _, err := r.MoveIf("ghost", "a", "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MoveIf(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_TokenIndex(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Session{ConnID: "c1", SecretToken: "alice"})
	_ = r.Register(Session{ConnID: "c2", SecretToken: "alice"})
	_ = r.Register(Session{ConnID: "c3", SecretToken: "bob"})

	if got := r.ConnsFor("alice"); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("ConnsFor(alice) = %v", got)
	}
	r.Remove("c1")
	r.Remove("c1")
	if got := r.ConnsFor("alice"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("ConnsFor(alice) after remove = %v", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_SnapshotOrderAndCopy(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		_ = r.Register(Session{ConnID: fmt.Sprintf("c%d", i), DisplayName: "anon"})
	}
	snap := r.Snapshot()
	for i, s := range snap {
		if s.ConnID != fmt.Sprintf("c%d", i) {
			t.Fatalf("Snapshot()[%d] = %s, want registration order", i, s.ConnID)
		}
	}
	snap[0].DisplayName = "mutated"
	if s, _ := r.Get("c0"); s.DisplayName != "anon" {
		t.Error("Snapshot() exposed internal state")
	}
}

// For any interleaving of connects and disconnects the snapshot holds exactly
// the live connection IDs.
func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	r := NewRegistry()
	const workers = 16
	const perWorker = 200

	var mu sync.Mutex
	live := make(map[string]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-c%d", w, i)
				if err := r.Register(Session{ConnID: id, SecretToken: "tok", Room: "room"}); err != nil {
					t.Errorf("Register(%s) error = %v", id, err)
					return
				}
				if rng.Intn(2) == 0 {
					r.Remove(id)
					continue
				}
				mu.Lock()
				live[id] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != len(live) {
		t.Fatalf("Snapshot() len = %d, want %d", len(snap), len(live))
	}
	seen := make(map[string]bool, len(snap))
	for _, s := range snap {
		if seen[s.ConnID] {
			t.Fatalf("duplicate %s in snapshot", s.ConnID)
		}
		seen[s.ConnID] = true
		if !live[s.ConnID] {
			t.Fatalf("leaked %s in snapshot", s.ConnID)
		}
	}
	if got := len(r.MembersOf("room")); got != len(live) {
		t.Errorf("MembersOf(room) len = %d, want %d", got, len(live))
	}
	if got := len(r.ConnsFor("tok")); got != len(live) {
		t.Errorf("ConnsFor(tok) len = %d, want %d", got, len(live))
	}
}
