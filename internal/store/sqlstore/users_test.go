package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/store"
)

func TestCreateUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	id := mustCreateUser(t, "testuser")
	if id == 0 {
		t.Fatal("expected non-zero user id")
	}

	// Test duplicate username, differing only in case
	err := testStore.CreateUser(ctx, &models.User{Username: "TestUser", Email: "other@example.com", PasswordHash: "h", CreatedAt: epoch})
	if !errors.Is(err, store.ErrDuplicateUsername) {
		t.Errorf("expected ErrDuplicateUsername, got %v", err)
	}

	err = testStore.CreateUser(ctx, &models.User{Username: "other", Email: "TESTUSER@example.com", PasswordHash: "h", CreatedAt: epoch})
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestGetUserByLogin(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	id := mustCreateUser(t, "alice")

	for _, login := range []string{"alice", "ALICE", "alice@example.com", "Alice@Example.com"} {
		user, err := testStore.GetUserByLogin(ctx, login)
		if err != nil {
			t.Fatalf("GetUserByLogin(%q): %v", login, err)
		}
		if user.ID != id || user.Username != "alice" {
			t.Errorf("GetUserByLogin(%q) = %+v", login, user)
		}
		if !user.CreatedAt.Equal(epoch) {
			t.Errorf("CreatedAt = %v, want %v", user.CreatedAt, epoch)
		}
	}

	if _, err := testStore.GetUserByLogin(ctx, "nonexistent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := testStore.GetUserByID(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUsernameAndEmailExists(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	mustCreateUser(t, "bob")

	if ok, _ := testStore.UsernameExists(ctx, "BOB"); !ok {
		t.Error("expected BOB to exist")
	}
	if ok, _ := testStore.EmailExists(ctx, "bob@EXAMPLE.com"); !ok {
		t.Error("expected bob's email to exist")
	}
	if ok, _ := testStore.UsernameExists(ctx, "carol"); ok {
		t.Error("did not expect carol to exist")
	}
}

func TestSearchUsers(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	mustCreateUser(t, "bob")
	mustCreateUser(t, "alex")

	users, err := testStore.SearchUsers(ctx, 0, "al", 10)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	if users[0].Username != "alex" || users[1].Username != "alice" {
		t.Errorf("unexpected order: %s, %s", users[0].Username, users[1].Username)
	}
	if users[0].Email != "al**@example.com" {
		t.Errorf("expected masked email, got %q", users[0].Email)
	}
	if users[0].PasswordHash != "" {
		t.Error("password hash leaked from search")
	}

	users, err = testStore.SearchUsers(ctx, alice, "al", 10)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alex" {
		t.Errorf("expected searcher to be excluded, got %+v", users)
	}
}

func TestPendingRegistration(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	p := &models.PendingRegistration{
		Username:         "alice",
		Email:            "alice@example.com",
		PasswordHash:     "h1",
		VerificationCode: 482913,
		CreatedAt:        epoch,
		ExpiresAt:        epoch.Add(15 * time.Minute),
	}
	if err := testStore.UpsertPending(ctx, p); err != nil {
		t.Fatalf("UpsertPending: %v", err)
	}

	// A retry supersedes the previous entry
	p2 := *p
	p2.Username = "Alice"
	p2.VerificationCode = 111111
	if err := testStore.UpsertPending(ctx, &p2); err != nil {
		t.Fatalf("UpsertPending retry: %v", err)
	}

	got, err := testStore.GetPending(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if got.VerificationCode != 111111 {
		t.Errorf("VerificationCode = %d, want 111111", got.VerificationCode)
	}
	if !got.ExpiresAt.Equal(p.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, p.ExpiresAt)
	}

	if _, err := testStore.GetPendingByEmail(ctx, "ALICE@example.com"); err != nil {
		t.Errorf("GetPendingByEmail: %v", err)
	}

	n, err := testStore.DeleteExpiredPending(ctx, epoch.Add(10*time.Minute))
	if err != nil || n != 0 {
		t.Errorf("DeleteExpiredPending before expiry = %d, %v", n, err)
	}
	n, err = testStore.DeleteExpiredPending(ctx, epoch.Add(15*time.Minute))
	if err != nil || n != 1 {
		t.Errorf("DeleteExpiredPending at expiry = %d, %v", n, err)
	}
	if _, err := testStore.GetPending(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after sweep, got %v", err)
	}
}

func TestSessions(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	uid := mustCreateUser(t, "alice")
	sess := &models.Session{
		Token:        "tok",
		UserID:       uid,
		CreatedAt:    epoch,
		ExpiresAt:    epoch.Add(30 * 24 * time.Hour),
		LastActivity: epoch,
	}
	if err := testStore.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	later := epoch.Add(time.Hour)
	if err := testStore.TouchSession(ctx, "tok", later); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, err := testStore.GetSession(ctx, "tok")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != uid || !got.LastActivity.Equal(later) {
		t.Errorf("unexpected session %+v", got)
	}

	ok, err := testStore.DeleteSession(ctx, "tok")
	if err != nil || !ok {
		t.Errorf("DeleteSession = %v, %v", ok, err)
	}
	ok, _ = testStore.DeleteSession(ctx, "tok")
	if ok {
		t.Error("second DeleteSession should report false")
	}
	if _, err := testStore.GetSession(ctx, "tok"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
