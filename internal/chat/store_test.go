package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func textMessage(roomID, senderID int64, content string, ms int64) ChatMessage {
	return ChatMessage{RoomID: roomID, SenderID: senderID, Content: content, Type: MessageText, CreatedAt: time.UnixMilli(ms)}
}

func contents(msgs []ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Content
	}
	return out
}

func TestStoreSeedThenAppendOrderIndependentOfInterleaving(t *testing.T) {
	history := []ChatMessage{textMessage(1, 1, "h1", 10), textMessage(1, 2, "h2", 20)}
	live := []ChatMessage{textMessage(1, 3, "m1", 5), textMessage(1, 3, "m2", 6), textMessage(1, 4, "m3", 7)}
	want := []string{"h1", "h2", "m1", "m2", "m3"}

	// seed may happen before, between or after the live frames
	for seedAt := 0; seedAt <= len(live); seedAt++ {
		t.Run(fmt.Sprintf("seed_after_%d", seedAt), func(t *testing.T) {
			store := NewStore(1)
			for i, msg := range live {
				if i == seedAt {
					store.Seed(history)
				}
				if _, err := store.Append(msg); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if seedAt == len(live) {
				store.Seed(history)
			}
			got := contents(store.Messages())
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("got %v want %v", got, want)
			}
			if store.Pending() != 0 {
				t.Fatalf("expected nothing pending, got %d", store.Pending())
			}
		})
	}
}

func TestStoreAppendVisibility(t *testing.T) {
	store := NewStore(1)
	visible, err := store.Append(textMessage(1, 1, "early", 1))
	if err != nil || visible {
		t.Fatalf("expected buffered append, got visible=%v err=%v", visible, err)
	}
	store.Seed(nil)
	if store.Len() != 1 || !store.Seeded() {
		t.Fatalf("expected buffered message flushed, got %d", store.Len())
	}
	visible, err = store.Append(textMessage(1, 1, "later", 2))
	if err != nil || !visible {
		t.Fatalf("expected visible append, got visible=%v err=%v", visible, err)
	}
}

func TestStoreSkipsLiveCopyOfHistory(t *testing.T) {
	store := NewStore(1)
	echo := textMessage(1, 7, "hi", 1000)
	store.Seed([]ChatMessage{echo})

	visible, err := store.Append(echo)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if visible || store.Len() != 1 {
		t.Fatalf("expected duplicate to be skipped, len=%d", store.Len())
	}

	// same sender and time but different content is a different message
	if visible, _ := store.Append(textMessage(1, 7, "hi again", 1000)); !visible {
		t.Fatal("expected distinct content to be kept")
	}
}

func TestStoreDedupeConsidersAttachment(t *testing.T) {
	store := NewStore(1)
	store.Seed(nil)
	first := ChatMessage{RoomID: 1, SenderID: 1, Content: "photo.png", Type: MessageFile, CreatedAt: time.UnixMilli(5),
		FileRef: &FileRef{URL: "https://cdn/a/photo.png"}}
	second := first
	second.FileRef = &FileRef{URL: "https://cdn/b/photo.png"}

	store.Append(first)
	store.Append(second)
	store.Append(first)
	if store.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", store.Len())
	}
}

func TestStoreDedupeKeepsDistinctServerIDs(t *testing.T) {
	store := NewStore(1)
	first := textMessage(1, 2, "ok", 500)
	first.MessageID = 10
	second := first
	second.MessageID = 11
	store.Seed([]ChatMessage{first})

	if visible, _ := store.Append(second); !visible {
		t.Fatal("expected a second server id to be a new message")
	}
	if visible, _ := store.Append(second); visible {
		t.Fatal("expected a repeated server id to be skipped")
	}
	anonymous := first
	anonymous.MessageID = 0
	if visible, _ := store.Append(anonymous); visible {
		t.Fatal("expected an id-less copy to be skipped")
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", store.Len())
	}

	// an id-less original absorbs any later echo of it
	other := NewStore(1)
	other.Seed([]ChatMessage{anonymous})
	if visible, _ := other.Append(second); visible {
		t.Fatal("expected echo with id to match an id-less original")
	}
}

func TestStoreRejectsOtherRooms(t *testing.T) {
	store := NewStore(1)
	store.Seed([]ChatMessage{textMessage(1, 1, "mine", 1), textMessage(2, 1, "theirs", 2)})
	if got := contents(store.Messages()); len(got) != 1 || got[0] != "mine" {
		t.Fatalf("expected only room 1 history, got %v", got)
	}
	if _, err := store.Append(textMessage(2, 1, "leak", 3)); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("expected ErrRoomMismatch, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatal("foreign message must not be stored")
	}
}

func TestStoreReseedReplacesContent(t *testing.T) {
	store := NewStore(1)
	store.Seed([]ChatMessage{textMessage(1, 1, "old", 1)})
	store.Append(textMessage(1, 1, "live", 2))
	store.Seed([]ChatMessage{textMessage(1, 1, "new", 3)})
	if got := contents(store.Messages()); len(got) != 1 || got[0] != "new" {
		t.Fatalf("expected reseeded content, got %v", got)
	}
	// the old live message is no longer known, so it can come back
	if visible, _ := store.Append(textMessage(1, 1, "live", 2)); !visible {
		t.Fatal("expected message to be accepted after reseed")
	}
}

func TestStoreMessagesReturnsCopy(t *testing.T) {
	store := NewStore(1)
	store.Seed([]ChatMessage{textMessage(1, 1, "a", 1)})
	msgs := store.Messages()
	msgs[0].Content = "mutated"
	if store.Messages()[0].Content != "a" {
		t.Fatal("store content changed through returned slice")
	}
}
