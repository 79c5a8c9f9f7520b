package conversation

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/store"
	"github.com/pliu/npchat/internal/store/sqlstore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *sqlstore.SQLStore) {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, zaptest.NewLogger(t))
	now := epoch
	svc.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return svc, st
}

func createUsers(t *testing.T, st store.Store, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		u := &models.User{Username: n, Email: n + "@example.com", PasswordHash: "h", CreatedAt: epoch}
		if err := st.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("CreateUser(%s): %v", n, err)
		}
		ids = append(ids, u.ID)
	}
	return ids
}

func text(s string) models.MessageContent {
	return models.MessageContent{Text: s}
}

func TestCreateChatPutsCreatorFirst(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	ids := []int64{10, 20, 30}

	chat, err := svc.CreateChat(ctx, ids[1], []int64{ids[0], ids[1], ids[0], ids[2]})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	got, err := svc.GetParticipants(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetParticipants: %v", err)
	}
	want := []int64{20, 10, 30}
	if !slices.Equal(got, want) {
		t.Errorf("participants = %v, want %v", got, want)
	}

	// the returned slice is a copy
	got[0] = 999
	again, _ := svc.GetParticipants(ctx, chat.ID)
	if again[0] != 20 {
		t.Error("GetParticipants leaked the cached slice")
	}
}

func TestFindOrCreateDirectChat(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	first, created, err := svc.FindOrCreateDirectChat(ctx, 1, 2)
	if err != nil || !created {
		t.Fatalf("first call = %d, %v, %v", first, created, err)
	}
	second, created, err := svc.FindOrCreateDirectChat(ctx, 2, 1)
	if err != nil || created {
		t.Fatalf("second call = %d, %v, %v", second, created, err)
	}
	if first != second {
		t.Errorf("expected the same chat, got %d and %d", first, second)
	}
	p, _ := svc.GetParticipants(ctx, first)
	if len(p) != 2 {
		t.Errorf("expected 2 participants, got %v", p)
	}

	if _, _, err := svc.FindOrCreateDirectChat(ctx, 1, 1); !errors.Is(err, apperr.ErrInvalidMessage) {
		t.Errorf("expected InvalidMessage for self chat, got %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob", "carol")

	chat, err := svc.CreateChat(ctx, u[0], []int64{u[1]})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	msg, err := svc.SendMessage(ctx, u[0], chat.ID, text("hi"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID == 0 || msg.SenderName != "alice" || msg.Content.Text != "hi" || msg.Timestamp.IsZero() {
		t.Errorf("unexpected message %+v", msg)
	}

	tests := []struct {
		name    string
		sender  int64
		chatID  int64
		content models.MessageContent
		want    error
	}{
		{"not a participant", u[2], chat.ID, text("hey"), apperr.ErrUserNotParticipant},
		{"unknown chat", u[0], 9999, text("hey"), apperr.ErrChatNotFound},
		{"empty", u[0], chat.ID, text("  \n"), apperr.ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SendMessage(ctx, tt.sender, tt.chatID, tt.content); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

type failingAttachments struct {
	store.Store
}

func (failingAttachments) InsertAttachment(context.Context, *models.Attachment) error {
	return errors.New("disk full")
}

func TestSendMessageDegradesFailedAttachment(t *testing.T) {
	_, st := setup(t)
	core, logs := observer.New(zap.WarnLevel)
	svc := NewService(failingAttachments{st}, zap.New(core))
	ctx := context.Background()
	u := createUsers(t, st, "alice")

	chat, err := svc.CreateChat(ctx, u[0], nil)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	content := models.MessageContent{
		Text:       "see attached",
		Attachment: &models.Attachment{Type: models.AttachmentFile, Name: "a.txt", Data: []byte("x")},
	}
	msg, err := svc.SendMessage(ctx, u[0], chat.ID, content)
	if err != nil {
		t.Fatalf("SendMessage should degrade, got %v", err)
	}
	if msg.Content.Attachment != nil || msg.Content.Text != "see attached" {
		t.Errorf("expected text-only message, got %+v", msg.Content)
	}
	if logs.FilterMessage("attachment insert failed, sending text only").Len() != 1 {
		t.Error("expected the degradation to be logged")
	}
}

func TestSendMessageWithAttachment(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice")
	chat, _ := svc.CreateChat(ctx, u[0], nil)

	msg, err := svc.SendMessage(ctx, u[0], chat.ID, models.MessageContent{
		Attachment: &models.Attachment{Type: models.AttachmentAudio, Name: "v.ogg", Data: []byte{9}},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Content.Attachment == nil || msg.Content.Attachment.ID == 0 {
		t.Errorf("expected stored attachment, got %+v", msg.Content.Attachment)
	}
}

func TestGetMessagesPaging(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice")
	chat, _ := svc.CreateChat(ctx, u[0], nil)

	for _, s := range []string{"one", "two", "three"} {
		if _, err := svc.SendMessage(ctx, u[0], chat.ID, text(s)); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	all, err := svc.GetMessages(ctx, chat.ID, 0, 0)
	if err != nil || len(all) != 3 || all[0].Content.Text != "one" {
		t.Fatalf("GetMessages = %+v, %v", all, err)
	}
	page, _ := svc.GetMessages(ctx, chat.ID, 2, 1)
	if len(page) != 2 || page[0].Content.Text != "two" {
		t.Errorf("unexpected page %+v", page)
	}

	last, err := svc.GetLastMessage(ctx, chat.ID)
	if err != nil || last.Content.Text != "three" {
		t.Errorf("GetLastMessage = %+v, %v", last, err)
	}
	empty, _ := svc.CreateChat(ctx, u[0], nil)
	if last, err := svc.GetLastMessage(ctx, empty.ID); err != nil || last != nil {
		t.Errorf("expected nil last message for empty chat, got %+v, %v", last, err)
	}

	hist, err := svc.GetHistory(ctx, chat.ID, all[1].Timestamp, all[2].Timestamp)
	if err != nil || len(hist) != 2 {
		t.Errorf("GetHistory = %d messages, %v", len(hist), err)
	}
	if _, err := svc.GetHistory(ctx, chat.ID, all[2].Timestamp, all[1].Timestamp); !errors.Is(err, apperr.ErrInvalidMessage) {
		t.Errorf("expected InvalidMessage for reversed range, got %v", err)
	}
}

func TestEditAndDeleteRestrictedToSender(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob")
	chat, _ := svc.CreateChat(ctx, u[0], []int64{u[1]})
	msg, _ := svc.SendMessage(ctx, u[0], chat.ID, text("typo"))

	if _, err := svc.EditMessage(ctx, u[1], msg.ID, "hijack"); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Errorf("expected AccessDenied on edit by other, got %v", err)
	}
	edited, err := svc.EditMessage(ctx, u[0], msg.ID, "fixed")
	if err != nil || edited.Content.Text != "fixed" || edited.EditedAt == nil {
		t.Fatalf("EditMessage = %+v, %v", edited, err)
	}

	found, _ := svc.Search(ctx, u[1], "FIX", 10)
	if len(found) != 1 || found[0].ID != msg.ID {
		t.Errorf("Search = %+v", found)
	}

	if _, err := svc.DeleteMessage(ctx, u[1], msg.ID); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Errorf("expected AccessDenied on delete by other, got %v", err)
	}
	if _, err := svc.DeleteMessage(ctx, u[0], msg.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := svc.GetMessage(ctx, msg.ID); !errors.Is(err, apperr.ErrInvalidMessage) {
		t.Errorf("expected InvalidMessage for deleted message, got %v", err)
	}
}

func TestAddParticipant(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob", "carol")
	chat, _ := svc.CreateChat(ctx, u[0], []int64{u[1]})

	if _, err := svc.AddParticipant(ctx, u[2], chat.ID, u[2]); !errors.Is(err, apperr.ErrUserNotParticipant) {
		t.Errorf("outsider must not add, got %v", err)
	}
	added, err := svc.AddParticipant(ctx, u[1], chat.ID, u[2])
	if err != nil || !added {
		t.Fatalf("AddParticipant = %v, %v", added, err)
	}
	added, _ = svc.AddParticipant(ctx, u[1], chat.ID, u[2])
	if added {
		t.Error("adding an existing member should report false")
	}
	if ok, _ := svc.IsParticipant(ctx, chat.ID, u[2]); !ok {
		t.Error("carol should be a participant")
	}
	if _, err := svc.SendMessage(ctx, u[2], chat.ID, text("joined")); err != nil {
		t.Errorf("new participant should be able to send: %v", err)
	}
}

func TestRemoveParticipantAuthorization(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob", "carol", "dave")
	alice, bob, carol, dave := u[0], u[1], u[2], u[3]
	chat, _ := svc.CreateChat(ctx, alice, []int64{bob, carol})

	tests := []struct {
		name              string
		requester, target int64
		want              error
	}{
		{"non-creator removes other", bob, carol, apperr.ErrAccessDenied},
		{"outsider", dave, bob, apperr.ErrUserNotParticipant},
		{"target not member", alice, dave, apperr.ErrUserNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RemoveParticipant(ctx, tt.requester, chat.ID, tt.target); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := svc.RemoveParticipant(ctx, alice, 9999, bob); !errors.Is(err, apperr.ErrChatNotFound) {
		t.Errorf("expected ChatNotFound, got %v", err)
	}

	res, err := svc.RemoveParticipant(ctx, alice, chat.ID, carol)
	if err != nil || !res.Removed || res.ChatDeleted {
		t.Fatalf("creator removes carol = %+v, %v", res, err)
	}
	res, err = svc.RemoveParticipant(ctx, bob, chat.ID, bob)
	if err != nil || !res.Removed {
		t.Fatalf("bob leaves = %+v, %v", res, err)
	}
	if !slices.Equal(res.Remaining, []int64{alice}) {
		t.Errorf("Remaining = %v", res.Remaining)
	}
	if _, err := svc.SendMessage(ctx, bob, chat.ID, text("still here?")); !errors.Is(err, apperr.ErrUserNotParticipant) {
		t.Errorf("removed user must not send, got %v", err)
	}
}

func TestRemovingLastParticipantDeletesChat(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob")
	chat, _ := svc.CreateChat(ctx, u[0], []int64{u[1]})
	if _, err := svc.SendMessage(ctx, u[0], chat.ID, text("bye")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, err := svc.RemoveParticipant(ctx, u[1], chat.ID, u[1]); err != nil {
		t.Fatalf("RemoveParticipant bob: %v", err)
	}
	res, err := svc.RemoveParticipant(ctx, u[0], chat.ID, u[0])
	if err != nil {
		t.Fatalf("RemoveParticipant alice: %v", err)
	}
	if !res.ChatDeleted {
		t.Error("expected chat to be deleted")
	}

	msgs, err := svc.GetMessages(ctx, chat.ID, 50, 0)
	if err != nil || len(msgs) != 0 {
		t.Errorf("expected no messages after cascade, got %d, %v", len(msgs), err)
	}
	if _, err := svc.GetChat(ctx, chat.ID); !errors.Is(err, apperr.ErrChatNotFound) {
		t.Errorf("expected ChatNotFound, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, u[0], chat.ID, text("anyone?")); !errors.Is(err, apperr.ErrChatNotFound) {
		t.Errorf("expected ChatNotFound after deletion, got %v", err)
	}
}

func TestParticipantCacheFallsBackToStore(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob")
	chat, _ := svc.CreateChat(ctx, u[0], []int64{u[1]})

	cold := NewService(st, nil)
	p, err := cold.GetParticipants(ctx, chat.ID)
	if err != nil || !slices.Equal(p, []int64{u[0], u[1]}) {
		t.Errorf("cold GetParticipants = %v, %v", p, err)
	}
}

func TestGetUserChats(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	u := createUsers(t, st, "alice", "bob")
	a, _ := svc.CreateChat(ctx, u[0], []int64{u[1]})
	b, _ := svc.CreateChat(ctx, u[0], nil)
	svc.SendMessage(ctx, u[0], b.ID, text("latest"))

	chats, err := svc.GetUserChats(ctx, u[0])
	if err != nil || len(chats) != 2 {
		t.Fatalf("GetUserChats = %+v, %v", chats, err)
	}
	if chats[0].ID != b.ID || chats[1].ID != a.ID {
		t.Errorf("unexpected order %d, %d", chats[0].ID, chats[1].ID)
	}
	if chats[1].ParticipantCount != 2 {
		t.Errorf("ParticipantCount = %d, want 2", chats[1].ParticipantCount)
	}

	ids, _ := svc.GetUserChatIDs(ctx, u[1])
	if !slices.Equal(ids, []int64{a.ID}) {
		t.Errorf("GetUserChatIDs = %v", ids)
	}
}
