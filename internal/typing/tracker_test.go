package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/whisper/chatsync/internal/chat"
)

func TestTracker_StartStop(t *testing.T) {
	tr := NewTracker(time.Second)
	defer tr.Close()
	key := chat.Channel(42)

	tr.Start(key, 9)
	tr.Start(key, 3)
	tr.Start(key, 5)

	got := tr.Typing(key)
	if len(got) != 3 || got[0] != 3 || got[1] != 5 || got[2] != 9 {
		t.Fatalf("expected sorted [3 5 9], got %v", got)
	}

	tr.Stop(key, 5)
	got = tr.Typing(key)
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Fatalf("expected [3 9], got %v", got)
	}

	// Unknown users and conversations are no-ops.
	tr.Stop(key, 100)
	tr.Stop(chat.Channel(1), 3)
}

func TestTracker_Expiry(t *testing.T) {
	tr := NewTracker(40 * time.Millisecond)
	defer tr.Close()
	key := chat.Direct(1)

	changes := make(chan []int64, 4)
	tr.OnChange(func(k chat.ConversationKey, users []int64) {
		if k != key {
			t.Errorf("unexpected key %s", k)
		}
		changes <- users
	})

	tr.Start(key, 2)
	if users := <-changes; len(users) != 1 || users[0] != 2 {
		t.Fatalf("expected [2], got %v", users)
	}

	select {
	case users := <-changes:
		if len(users) != 0 {
			t.Fatalf("expected empty set after expiry, got %v", users)
		}
	case <-time.After(time.Second):
		t.Fatal("expected expiry notification")
	}
	if got := tr.Typing(key); len(got) != 0 {
		t.Errorf("expected no typists, got %v", got)
	}
}

func TestTracker_RestartExtends(t *testing.T) {
	tr := NewTracker(60 * time.Millisecond)
	defer tr.Close()
	key := chat.Channel(1)

	var mu sync.Mutex
	notifications := 0
	tr.OnChange(func(chat.ConversationKey, []int64) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	tr.Start(key, 4)
	time.Sleep(40 * time.Millisecond)
	tr.Start(key, 4)
	time.Sleep(40 * time.Millisecond)

	if got := tr.Typing(key); len(got) != 1 {
		t.Fatalf("expected user still typing after refresh, got %v", got)
	}
	mu.Lock()
	if notifications != 1 {
		t.Errorf("repeat start must not notify, got %d notifications", notifications)
	}
	mu.Unlock()
}

func TestTracker_IgnoresSelf(t *testing.T) {
	tr := NewTracker(time.Second)
	defer tr.Close()
	tr.SetSelfID(7)

	tr.Start(chat.Channel(1), 7)
	if got := tr.Typing(chat.Channel(1)); len(got) != 0 {
		t.Fatalf("expected own typing ignored, got %v", got)
	}
}

func TestTracker_ForgetAndKeys(t *testing.T) {
	tr := NewTracker(time.Second)
	defer tr.Close()

	tr.Start(chat.Channel(42), 1)
	tr.Start(chat.Direct(42), 2)

	tr.Forget(chat.Channel(42))
	if got := tr.Typing(chat.Channel(42)); len(got) != 0 {
		t.Errorf("expected channel state forgotten, got %v", got)
	}
	if got := tr.Typing(chat.Direct(42)); len(got) != 1 || got[0] != 2 {
		t.Errorf("direct:42 must be unaffected, got %v", got)
	}
}
