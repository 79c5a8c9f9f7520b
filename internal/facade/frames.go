package facade

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/ws"
)

const (
	FrameMarkRead     = "mark_read"
	FrameIceCandidate = "ice_candidate"
)

type markReadFrame struct {
	MessageIDs []int64 `json:"message_ids"`
}

type iceCandidateFrame struct {
	CallID    string                  `json:"call_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// HandleFrame serves a frame sent by the client over its event
// connection.
func (s *Session) HandleFrame(ctx context.Context, f ws.Frame) error {
	switch f.Type {
	case FrameMarkRead:
		var p markReadFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return apperr.Wrap(apperr.CodeInvalidMessage, "malformed mark_read frame", err)
		}
		if len(p.MessageIDs) == 0 {
			return nil
		}
		return s.MarkMessagesAsRead(ctx, p.MessageIDs)
	case FrameIceCandidate:
		var p iceCandidateFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return apperr.Wrap(apperr.CodeInvalidMessage, "malformed ice_candidate frame", err)
		}
		return s.SendIceCandidate(ctx, p.CallID, p.Candidate)
	}
	return apperr.New(apperr.CodeInvalidMessage, "unknown frame type "+f.Type)
}
