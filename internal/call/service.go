// Package call relays WebRTC signaling between the two parties of a call
// and tracks each call through Initiated, Answered and Ended.
package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/idgen"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/ws"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

type State int

const (
	StateInitiated State = iota
	StateAnswered
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateAnswered:
		return "answered"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether the call still occupies its chat. An answered
// call is active until it ends.
func (s State) Active() bool { return s != StateEnded }

// Candidate is an ICE candidate together with the user that sent it.
type Candidate struct {
	FromID int64 `json:"from_id"`
	webrtc.ICECandidateInit
}

type Call struct {
	ID         string                     `json:"id"`
	ChatID     int64                      `json:"chat_id"`
	CallerID   int64                      `json:"caller_id"`
	CalleeID   int64                      `json:"callee_id"`
	Offer      webrtc.SessionDescription  `json:"offer"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidates []Candidate                `json:"candidates"`
	State      State                      `json:"state"`
	CreatedAt  time.Time                  `json:"created_at"`
	EndedAt    *time.Time                 `json:"ended_at,omitempty"`
}

func (c *Call) clone() *Call {
	cp := *c
	cp.Candidates = slices.Clone(c.Candidates)
	if c.Answer != nil {
		a := *c.Answer
		cp.Answer = &a
	}
	return &cp
}

// peer returns the other party of the call.
func (c *Call) peer(userID int64) int64 {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// Signal is the payload of every call event. Only the field matching the
// event type is set.
type Signal struct {
	CallID    string                     `json:"call_id"`
	ChatID    int64                      `json:"chat_id"`
	FromID    int64                      `json:"from_id"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Notifier pushes an event to every listener of one user.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, e models.Event) error
}

type Options struct {
	Retention     time.Duration
	SweepInterval time.Duration
	// ValidateSDP rejects offers and answers that do not parse as SDP.
	ValidateSDP bool
}

type Service struct {
	notifier Notifier
	ids      *idgen.Generator
	logger   *zap.Logger
	opts     Options

	Now func() time.Time

	mu    sync.Mutex
	calls map[string]*Call
}

func NewService(n Notifier, ids *idgen.Generator, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Service{
		notifier: n,
		ids:      ids,
		logger:   logger,
		opts:     opts,
		Now:      time.Now,
		calls:    make(map[string]*Call),
	}
}

func (s *Service) checkDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return apperr.New(apperr.CodeInvalidMessage, "expected an SDP "+want.String())
	}
	if !s.opts.ValidateSDP {
		return nil
	}
	if _, err := desc.Unmarshal(); err != nil {
		return apperr.Wrap(apperr.CodeInvalidMessage, "malformed session description", err)
	}
	return nil
}

// Initiate starts a call in chatID. Membership of caller and callee is
// checked by the caller of this method; a chat holds at most one active
// call.
func (s *Service) Initiate(ctx context.Context, chatID, callerID, calleeID int64, offer webrtc.SessionDescription) (*Call, error) {
	if callerID == calleeID {
		return nil, apperr.New(apperr.CodeInvalidMessage, "cannot call yourself")
	}
	if err := s.checkDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, c := range s.calls {
		if c.ChatID == chatID && c.State.Active() {
			s.mu.Unlock()
			return nil, apperr.New(apperr.CodeInvalidMessage, "chat already has an active call")
		}
	}
	c := &Call{
		ID:         s.ids.CallID(),
		ChatID:     chatID,
		CallerID:   callerID,
		CalleeID:   calleeID,
		Offer:      offer,
		Candidates: []Candidate{},
		State:      StateInitiated,
		CreatedAt:  s.Now(),
	}
	s.calls[c.ID] = c
	out := c.clone()
	s.mu.Unlock()

	s.logger.Info("call initiated",
		zap.String("call_id", c.ID), zap.Int64("chat_id", chatID),
		zap.Int64("caller_id", callerID), zap.Int64("callee_id", calleeID))
	s.signal(ctx, out, callerID, models.EventCallOffer, Signal{Offer: &out.Offer})
	return out, nil
}

// lookupLocked returns the call if userID is one of its parties.
func (s *Service) lookupLocked(callID string, userID int64) (*Call, error) {
	c, ok := s.calls[callID]
	if !ok {
		return nil, apperr.New(apperr.CodeChatNotFound, "call not found")
	}
	if userID != c.CallerID && userID != c.CalleeID {
		return nil, apperr.ErrUserNotParticipant
	}
	return c, nil
}

func (s *Service) Answer(ctx context.Context, callID string, userID int64, answer webrtc.SessionDescription) (*Call, error) {
	if err := s.checkDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, err := s.lookupLocked(callID, userID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	switch {
	case c.State != StateInitiated:
		err = apperr.New(apperr.CodeInvalidMessage, "call is "+c.State.String())
	case userID != c.CalleeID:
		err = apperr.New(apperr.CodeInvalidMessage, "only the callee can answer")
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c.Answer = &answer
	c.State = StateAnswered
	out := c.clone()
	s.mu.Unlock()

	s.logger.Info("call answered", zap.String("call_id", callID), zap.Int64("chat_id", out.ChatID))
	s.signal(ctx, out, userID, models.EventCallAnswer, Signal{Answer: out.Answer})
	return out, nil
}

// AddIceCandidate appends a candidate in arrival order and relays it to
// the other party.
func (s *Service) AddIceCandidate(ctx context.Context, callID string, userID int64, candidate webrtc.ICECandidateInit) error {
	if candidate.Candidate == "" {
		return apperr.New(apperr.CodeInvalidMessage, "empty ICE candidate")
	}

	s.mu.Lock()
	c, err := s.lookupLocked(callID, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !c.State.Active() {
		s.mu.Unlock()
		return apperr.New(apperr.CodeInvalidMessage, "call has ended")
	}
	c.Candidates = append(c.Candidates, Candidate{FromID: userID, ICECandidateInit: candidate})
	out := c.clone()
	s.mu.Unlock()

	s.signal(ctx, out, userID, models.EventCallICECandidate, Signal{Candidate: &candidate})
	return nil
}

func (s *Service) End(ctx context.Context, callID string, userID int64) (*Call, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(callID, userID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !c.State.Active() {
		s.mu.Unlock()
		return nil, apperr.New(apperr.CodeInvalidMessage, "call has already ended")
	}
	now := s.Now()
	c.State = StateEnded
	c.EndedAt = &now
	out := c.clone()
	s.mu.Unlock()

	s.logger.Info("call ended", zap.String("call_id", callID), zap.Int64("ended_by", userID))
	s.signal(ctx, out, userID, models.EventCallEnded, Signal{})
	return out, nil
}

// Get returns the call if userID is one of its parties.
func (s *Service) Get(callID string, userID int64) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(callID, userID)
	if err != nil {
		return nil, err
	}
	return c.clone(), nil
}

func (s *Service) ActiveForUser(userID int64) []*Call {
	return s.filter(func(c *Call) bool {
		return c.State.Active() && (c.CallerID == userID || c.CalleeID == userID)
	})
}

func (s *Service) ActiveForChat(chatID int64) []*Call {
	return s.filter(func(c *Call) bool { return c.State.Active() && c.ChatID == chatID })
}

func (s *Service) filter(keep func(*Call) bool) []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Call{}
	for _, c := range s.calls {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Call) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Sweep drops every call created before now minus the retention period,
// whatever its state, and returns how many were dropped.
func (s *Service) Sweep(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.calls {
		if c.CreatedAt.Before(cutoff) {
			delete(s.calls, id)
			n++
		}
	}
	return n
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.Now()); n > 0 {
				s.logger.Info("swept stale calls", zap.Int("count", n))
			}
		}
	}
}

// signal sends the event to the party other than fromID. A peer with no
// live connection is not an error.
func (s *Service) signal(ctx context.Context, c *Call, fromID int64, t models.EventType, sig Signal) {
	if s.notifier == nil {
		return
	}
	sig.CallID = c.ID
	sig.ChatID = c.ChatID
	sig.FromID = fromID
	to := c.peer(fromID)
	if err := s.notifier.NotifyUser(ctx, to, models.Event{Type: t, Payload: sig}); err != nil {
		level := zap.WarnLevel
		if errors.Is(err, ws.ErrNoListener) {
			level = zap.DebugLevel
		}
		s.logger.Log(level, "call signal not delivered",
			zap.String("call_id", c.ID), zap.Int64("user_id", to), zap.String("event", string(t)), zap.Error(err))
	}
}
