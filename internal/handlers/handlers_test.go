package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/npchat/internal/auth"
	"github.com/pliu/npchat/internal/call"
	"github.com/pliu/npchat/internal/contact"
	"github.com/pliu/npchat/internal/conversation"
	"github.com/pliu/npchat/internal/facade"
	"github.com/pliu/npchat/internal/idgen"
	"github.com/pliu/npchat/internal/presence"
	"github.com/pliu/npchat/internal/store/sqlstore"
	"github.com/pliu/npchat/internal/ws"
)

const testCode = 482913

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	authSvc := auth.NewService(store, auth.BcryptHasher{Cost: bcrypt.MinCost}, nil, logger, auth.Options{})
	authSvc.NewCode = func() (uint32, error) { return testCode, nil }
	chats := conversation.NewService(store, logger)
	hub := ws.NewHub(chats, logger, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	authorizer := facade.NewAuthorizer(facade.Services{
		Auth:     authSvc,
		Chats:    chats,
		Contacts: contact.NewService(store, logger),
		Presence: presence.NewService(store, logger, 0),
		Hub:      hub,
		Calls:    call.NewService(hub, idgen.New(1), logger, call.Options{}),
		Logger:   logger,
	})
	return NewRouter(RouterConfig{
		Auth:   authorizer,
		Signer: auth.NewCookieSigner("test-secret"),
		Logger: logger,
	})
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// signup registers and logs in a user, returning the session token and id.
func signup(t *testing.T, h http.Handler, username string) (string, int64) {
	t.Helper()
	rr := do(t, h, "POST", "/api/auth/register", "", RegisterRequest{Username: username, Email: username + "@example.com", Password: "password123"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("register %s: got %d %s", username, rr.Code, rr.Body)
	}
	rr = do(t, h, "POST", "/api/auth/verify", "", VerifyRequest{Username: username, Code: testCode})
	if rr.Code != http.StatusCreated {
		t.Fatalf("verify %s: got %d %s", username, rr.Code, rr.Body)
	}
	rr = do(t, h, "POST", "/api/auth/login", "", Credentials{Login: username, Password: "password123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: got %d %s", username, rr.Code, rr.Body)
	}
	var resp LoginResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	return resp.Token, resp.UserID
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func getWithCookie(h http.Handler, path string, c *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.AddCookie(c)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
