package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pliu/npchat/internal/store"
)

func TestCreateChat(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")

	chat, err := testStore.CreateChat(ctx, alice, []int64{alice, bob, bob}, epoch)
	if err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}

	participants, err := testStore.GetParticipants(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Errorf("Expected 2 participants, got %d", len(participants))
	}

	summary, err := testStore.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if summary.CreatedBy != alice || summary.ParticipantCount != 2 || summary.LastMessageTime != nil {
		t.Errorf("unexpected summary %+v", summary)
	}

	if _, err := testStore.GetChat(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUserChatsOrdering(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")

	quiet := mustCreateChat(t, alice, bob)
	older := mustCreateChat(t, alice)
	newer := mustCreateChat(t, alice, bob)

	mustSend(t, older, alice, "first", epoch.Add(time.Minute))
	mustSend(t, newer, alice, "second", epoch.Add(2*time.Minute))

	chats, err := testStore.GetUserChats(ctx, alice)
	if err != nil {
		t.Fatalf("GetUserChats: %v", err)
	}
	if len(chats) != 3 {
		t.Fatalf("Expected 3 chats, got %d", len(chats))
	}
	want := []int64{newer, older, quiet}
	for i, c := range chats {
		if c.ID != want[i] {
			t.Errorf("chats[%d] = %d, want %d", i, c.ID, want[i])
		}
	}
	if chats[0].LastMessageTime == nil || !chats[0].LastMessageTime.Equal(epoch.Add(2*time.Minute)) {
		t.Errorf("unexpected last message time %v", chats[0].LastMessageTime)
	}

	ids, err := testStore.GetUserChatIDs(ctx, bob)
	if err != nil {
		t.Fatalf("GetUserChatIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected bob in 2 chats, got %v", ids)
	}
}

func TestFindDirectChat(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")
	carol := mustCreateUser(t, "carol")

	mustCreateChat(t, alice, bob, carol)
	if _, err := testStore.FindDirectChat(ctx, alice, bob); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("group chat must not count as direct, got %v", err)
	}

	direct := mustCreateChat(t, bob, alice)
	id, err := testStore.FindDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("FindDirectChat: %v", err)
	}
	if id != direct {
		t.Errorf("FindDirectChat = %d, want %d", id, direct)
	}
}

func TestAddRemoveParticipant(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")
	chatID := mustCreateChat(t, alice)

	if err := testStore.AddParticipant(ctx, chatID, bob, epoch); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	// idempotent
	if err := testStore.AddParticipant(ctx, chatID, bob, epoch); err != nil {
		t.Fatalf("AddParticipant again: %v", err)
	}

	removed, err := testStore.RemoveParticipant(ctx, chatID, bob)
	if err != nil || !removed {
		t.Errorf("RemoveParticipant = %v, %v", removed, err)
	}
	removed, _ = testStore.RemoveParticipant(ctx, chatID, bob)
	if removed {
		t.Error("removing a non-member should report false")
	}
}

func TestDeleteChatCascades(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")
	chatID := mustCreateChat(t, alice, bob)
	msgID := mustSend(t, chatID, alice, "hello", epoch)

	if err := testStore.MarkDelivered(ctx, msgID, bob, epoch); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	deleted, err := testStore.DeleteChat(ctx, chatID)
	if err != nil || !deleted {
		t.Fatalf("DeleteChat = %v, %v", deleted, err)
	}

	msgs, err := testStore.GetMessages(ctx, chatID, 50, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no messages after delete, got %d", len(msgs))
	}
	if _, err := testStore.GetMessage(ctx, msgID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	participants, _ := testStore.GetParticipants(ctx, chatID)
	if len(participants) != 0 {
		t.Errorf("Expected no participants, got %v", participants)
	}

	deleted, _ = testStore.DeleteChat(ctx, chatID)
	if deleted {
		t.Error("second DeleteChat should report false")
	}
}
