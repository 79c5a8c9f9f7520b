package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/auth"
	"github.com/pliu/npchat/internal/facade"
	"github.com/pliu/npchat/internal/middleware"
	"github.com/pliu/npchat/internal/ws"
)

type RouterConfig struct {
	Auth       *facade.Authorizer
	Signer     *auth.CookieSigner
	SessionTTL time.Duration
	// NewListenerID names websocket listeners.
	NewListenerID func() string
	SendBuffer    int
	Logger        *zap.Logger
}

func NewRouter(cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authHandler := &AuthHandler{Auth: cfg.Auth, Signer: cfg.Signer, SessionTTL: cfg.SessionTTL}
	chatHandler := &ChatHandler{}
	contactHandler := &ContactHandler{}
	callHandler := &CallHandler{}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))

	// Public routes
	r.HandleFunc("/api/auth/username/{username}", authHandler.CheckUsername).Methods("GET")
	r.HandleFunc("/api/auth/email/{email}", authHandler.CheckEmail).Methods("GET")
	r.HandleFunc("/api/auth/register", authHandler.Register).Methods("POST")
	r.HandleFunc("/api/auth/verify", authHandler.Verify).Methods("POST")
	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/api/auth/session", authHandler.Resume).Methods("POST")
	r.HandleFunc("/api/auth/logout", authHandler.Logout).Methods("POST")

	requireSession := middleware.AuthMiddleware(cfg.Auth, cfg.Signer)

	// Protected routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireSession)

	api.HandleFunc("/me", contactHandler.Me).Methods("GET")
	api.HandleFunc("/users", contactHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}", contactHandler.GetUser).Methods("GET")
	api.HandleFunc("/contacts", contactHandler.GetContacts).Methods("GET")
	api.HandleFunc("/contacts", contactHandler.AddContact).Methods("POST")
	api.HandleFunc("/contacts/blocked", contactHandler.GetBlocked).Methods("GET")
	api.HandleFunc("/contacts/{id:[0-9]+}", contactHandler.RemoveContact).Methods("DELETE")
	api.HandleFunc("/contacts/{id:[0-9]+}/block", contactHandler.Block).Methods("POST")
	api.HandleFunc("/contacts/{id:[0-9]+}/block", contactHandler.Unblock).Methods("DELETE")

	api.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")
	api.HandleFunc("/chats", chatHandler.CreateChat).Methods("POST")
	api.HandleFunc("/chats/direct", chatHandler.CreateDirectChat).Methods("POST")
	api.HandleFunc("/chats/{id:[0-9]+}", chatHandler.GetChat).Methods("GET")
	api.HandleFunc("/chats/{id:[0-9]+}/participants", chatHandler.AddParticipant).Methods("POST")
	api.HandleFunc("/chats/{id:[0-9]+}/participants/{userID:[0-9]+}", chatHandler.RemoveParticipant).Methods("DELETE")
	api.HandleFunc("/chats/{id:[0-9]+}/leave", chatHandler.Leave).Methods("POST")
	api.HandleFunc("/chats/{id:[0-9]+}/messages", chatHandler.GetChatMessages).Methods("GET")
	api.HandleFunc("/chats/{id:[0-9]+}/messages", chatHandler.SendMessage).Methods("POST")
	api.HandleFunc("/chats/{id:[0-9]+}/messages/last", chatHandler.GetLastMessage).Methods("GET")
	api.HandleFunc("/chats/{id:[0-9]+}/calls", callHandler.Initiate).Methods("POST")

	api.HandleFunc("/messages/search", chatHandler.SearchMessages).Methods("GET")
	api.HandleFunc("/messages/unread", chatHandler.UnreadCount).Methods("GET")
	api.HandleFunc("/messages/read", chatHandler.MarkRead).Methods("POST")
	api.HandleFunc("/messages/{id:[0-9]+}", chatHandler.EditMessage).Methods("PATCH")
	api.HandleFunc("/messages/{id:[0-9]+}", chatHandler.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/messages/{id:[0-9]+}/read", chatHandler.MarkOneRead).Methods("POST")

	api.HandleFunc("/calls", callHandler.Active).Methods("GET")
	api.HandleFunc("/calls/{callID}", callHandler.Get).Methods("GET")
	api.HandleFunc("/calls/{callID}/answer", callHandler.Answer).Methods("POST")
	api.HandleFunc("/calls/{callID}/candidates", callHandler.Candidate).Methods("POST")
	api.HandleFunc("/calls/{callID}/end", callHandler.End).Methods("POST")

	// WebSocket
	wsOpts := ws.Options{SendBuffer: cfg.SendBuffer, NewID: cfg.NewListenerID}
	r.Handle("/ws", requireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session(w, r)
		if !ok {
			return
		}
		ws.ServeWs(w, r, sess, wsOpts, logger)
	})))

	return r
}
