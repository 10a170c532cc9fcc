// Package gateway terminates the WebSocket transport for agents and browser
// sessions: pre-handshake API-key authentication, envelope parsing and
// dispatch, broker bridging, server-initiated keep-alive, and graceful
// shutdown.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// Roles, in descending order of privilege.
const (
	RoleAdmin     = "ADMIN"
	RoleOperator  = "OPERATOR"
	RoleDeveloper = "DEVELOPER"
	RoleViewer    = "VIEWER"
)

// Principal is the authenticated identity attached to a connection after a
// successful upgrade. InstanceID is non-empty only for agent keys: it marks
// the connection as an agent bound to that instance.
type Principal struct {
	UserID     uuid.UUID
	Role       string
	InstanceID string
	APIKeyID   uuid.UUID
}

// IsAgent reports whether the principal is an instance agent.
func (p *Principal) IsAgent() bool {
	return p.InstanceID != ""
}

// CanOperateTerminal reports whether a browser principal may open or drive
// terminal sessions.
func (p *Principal) CanOperateTerminal() bool {
	return p.Role == RoleAdmin || p.Role == RoleOperator
}

// CanDispatchCommands reports whether the principal may send command:exec.
func (p *Principal) CanDispatchCommands() bool {
	return p.Role != RoleViewer
}

// AuthError carries the stable error code surfaced on a rejected upgrade.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Authenticator resolves the API key presented on an HTTP upgrade request to
// a Principal.
type Authenticator struct {
	keys  repositories.ApiKeyRepository
	users repositories.UserRepository
	log   *zap.Logger
}

// NewAuthenticator returns an Authenticator over the given repositories.
func NewAuthenticator(keys repositories.ApiKeyRepository, users repositories.UserRepository, log *zap.Logger) *Authenticator {
	return &Authenticator{keys: keys, users: users, log: log}
}

// HashKey returns the lowercase SHA-256 hex of a raw API key. Only this hash
// is ever stored or compared.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate extracts the API key from the X-Api-Key header, falling back
// to the apiKey query parameter (browsers cannot set custom headers on a
// WebSocket upgrade), and resolves it to a Principal. On failure it returns
// an *AuthError with one of the MISSING/INVALID/EXPIRED_API_KEY codes.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	raw := r.Header.Get("X-Api-Key")
	if raw == "" {
		raw = r.URL.Query().Get("apiKey")
	}
	if raw == "" {
		return nil, &AuthError{Code: protocol.CodeMissingAPIKey, Message: "no API key provided"}
	}

	key, err := a.keys.GetByHash(ctx, HashKey(raw))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, &AuthError{Code: protocol.CodeInvalidAPIKey, Message: "unknown API key"}
		}
		return nil, err
	}
	if key.RevokedAt != nil {
		return nil, &AuthError{Code: protocol.CodeInvalidAPIKey, Message: "API key revoked"}
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
		return nil, &AuthError{Code: protocol.CodeExpiredAPIKey, Message: "API key expired"}
	}

	user, err := a.users.GetByID(ctx, key.OwnerUserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, &AuthError{Code: protocol.CodeInvalidAPIKey, Message: "key owner no longer exists"}
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, &AuthError{Code: protocol.CodeInvalidAPIKey, Message: "account disabled"}
	}

	if err := a.keys.Touch(ctx, key.ID, time.Now()); err != nil {
		a.log.Warn("gateway: failed to touch api key", zap.Error(err))
	}

	return &Principal{
		UserID:     user.ID,
		Role:       user.Role,
		InstanceID: r.Header.Get("X-Instance-ID"),
		APIKeyID:   key.ID,
	}, nil
}
