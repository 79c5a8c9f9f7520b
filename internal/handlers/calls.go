package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
)

type CallHandler struct{}

type OfferRequest struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

type AnswerRequest struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type CandidateRequest struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (h *CallHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req OfferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := sess.InitiateCall(r.Context(), chatID, req.Offer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *CallHandler) Active(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.GetActiveCalls(r.Context()))
}

func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	c, err := sess.GetCall(r.Context(), mux.Vars(r)["callID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CallHandler) Answer(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	var req AnswerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := sess.AnswerCall(r.Context(), mux.Vars(r)["callID"], req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CallHandler) Candidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	var req CandidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.SendIceCandidate(r.Context(), mux.Vars(r)["callID"], req.Candidate); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) End(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	c, err := sess.EndCall(r.Context(), mux.Vars(r)["callID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
