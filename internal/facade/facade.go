// Package facade is the externally reachable surface of the chat server.
// An Authorizer serves calls made before login; a Session serves calls
// made on behalf of one authenticated user and enforces membership and
// ownership before delegating to the services.
package facade

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/auth"
	"github.com/pliu/npchat/internal/call"
	"github.com/pliu/npchat/internal/contact"
	"github.com/pliu/npchat/internal/conversation"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/presence"
	"github.com/pliu/npchat/internal/ws"
)

// Services holds the shared service instances every session delegates to.
type Services struct {
	Auth     *auth.Service
	Chats    *conversation.Service
	Contacts *contact.Service
	Presence *presence.Service
	Hub      *ws.Hub
	Calls    *call.Service
	Logger   *zap.Logger
}

func (s Services) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// translate passes typed errors through and turns anything else into the
// fallback code after logging it.
func translate(logger *zap.Logger, op string, err error, fallback apperr.Code, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	if apperr.Typed(err) {
		logger.Debug(op+" rejected", append(fields, zap.Error(err))...)
		return err
	}
	logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return apperr.Wrap(fallback, op+" failed", err)
}

// notifyQuiet sends e to userID and logs failures other than the user
// having no live connection.
func notifyQuiet(ctx context.Context, hub *ws.Hub, logger *zap.Logger, userID int64, e models.Event) {
	err := hub.NotifyUser(ctx, userID, e)
	if err != nil && !errors.Is(err, ws.ErrNoListener) {
		logger.Warn("event not delivered",
			zap.Int64("user_id", userID), zap.String("event", string(e.Type)), zap.Error(err))
	}
}

type Authorizer struct {
	svc    Services
	logger *zap.Logger
}

func NewAuthorizer(svc Services) *Authorizer {
	return &Authorizer{svc: svc, logger: svc.logger()}
}

func (a *Authorizer) CheckUsername(ctx context.Context, username string) (bool, error) {
	ok, err := a.svc.Auth.CheckUsername(ctx, username)
	return ok, translate(a.logger, "check username", err, apperr.CodeInvalidCredentials)
}

func (a *Authorizer) CheckEmail(ctx context.Context, email string) (bool, error) {
	ok, err := a.svc.Auth.CheckEmail(ctx, email)
	return ok, translate(a.logger, "check email", err, apperr.CodeInvalidCredentials)
}

func (a *Authorizer) RegisterStepOne(ctx context.Context, username, email, password string) error {
	err := a.svc.Auth.RegisterStepOne(ctx, username, email, password)
	return translate(a.logger, "register", err, apperr.CodeInvalidCredentials, zap.String("username", username))
}

func (a *Authorizer) RegisterStepTwo(ctx context.Context, username string, code uint32) (*models.User, error) {
	u, err := a.svc.Auth.RegisterStepTwo(ctx, username, code)
	if err != nil {
		return nil, translate(a.logger, "verify registration", err, apperr.CodeIncorrectVerificationCode, zap.String("username", username))
	}
	return u, nil
}

// LogIn authenticates by username or email and returns a session bound to
// the user together with its token.
func (a *Authorizer) LogIn(ctx context.Context, login, password string) (*Session, string, error) {
	u, token, err := a.svc.Auth.Login(ctx, login, password)
	if err != nil {
		return nil, "", translate(a.logger, "login", err, apperr.CodeInvalidCredentials)
	}
	return newSession(a.svc, u.ID, u.Username), token, nil
}

func (a *Authorizer) LogInWithSessionID(ctx context.Context, token string) (*Session, error) {
	u, err := a.svc.Auth.LoginWithSession(ctx, token)
	if err != nil {
		return nil, translate(a.logger, "resume session", err, apperr.CodeAccessDenied)
	}
	return newSession(a.svc, u.ID, u.Username), nil
}

func (a *Authorizer) LogOut(ctx context.Context, token string) (bool, error) {
	ok, err := a.svc.Auth.Logout(ctx, token)
	return ok, translate(a.logger, "logout", err, apperr.CodeAccessDenied)
}

// Session resolves a token to a session without loading the user row.
func (a *Authorizer) Session(ctx context.Context, token string) (*Session, error) {
	userID, err := a.svc.Auth.ResolveSession(ctx, token)
	if err != nil {
		return nil, translate(a.logger, "resolve session", err, apperr.CodeAccessDenied)
	}
	return newSession(a.svc, userID, ""), nil
}
