package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/facade"
	"github.com/pliu/npchat/internal/middleware"
)

type errorResponse struct {
	Code  apperr.Code `json:"code"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := apperr.Public(err)
	writeJSON(w, apperr.HTTPStatus(err), errorResponse{Code: code, Error: msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidMessage, "malformed request body", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.CodeInvalidMessage, "invalid "+name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// session returns the caller's session or writes a 401.
func session(w http.ResponseWriter, r *http.Request) (*facade.Session, bool) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: apperr.CodeAccessDenied, Error: "unauthorized"})
	}
	return sess, ok
}
