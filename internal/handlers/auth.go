package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pliu/npchat/internal/auth"
	"github.com/pliu/npchat/internal/facade"
	"github.com/pliu/npchat/internal/middleware"
)

type AuthHandler struct {
	Auth       *facade.Authorizer
	Signer     *auth.CookieSigner
	SessionTTL time.Duration
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyRequest struct {
	Username string `json:"username"`
	Code     uint32 `json:"code"`
}

type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type LoginResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

func (h *AuthHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Auth.CheckUsername(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": ok})
}

func (h *AuthHandler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Auth.CheckEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": ok})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Auth.RegisterStepOne(r.Context(), req.Username, req.Email, req.Password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.Auth.RegisterStepTwo(r.Context(), req.Username, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	cookie := &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    h.Signer.Sign(token),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if h.SessionTTL > 0 {
		cookie.Expires = time.Now().Add(h.SessionTTL)
	}
	http.SetCookie(w, cookie)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, err)
		return
	}
	sess, token, err := h.Auth.LogIn(r.Context(), creds.Login, creds.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	h.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, LoginResponse{UserID: sess.UserID(), Username: sess.Username(), Token: token})
}

// Resume logs in with a previously issued session token.
func (h *AuthHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Token == "" {
		req.Token = middleware.TokenFromRequest(r, h.Signer)
	}
	sess, err := h.Auth.LogInWithSessionID(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{UserID: sess.UserID(), Username: sess.Username()})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Auth.LogOut(r.Context(), middleware.TokenFromRequest(r, h.Signer))
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: middleware.SessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": ok})
}
