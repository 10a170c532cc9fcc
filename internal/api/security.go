package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

// SecurityHandler exposes the secrets vault, scanner findings and the
// security summary. Secret values never appear in list or get responses;
// reveal and rotate are additionally gated to elevated roles at the router.
type SecurityHandler struct {
	security *services.SecurityService
	logger   *zap.Logger
}

func NewSecurityHandler(security *services.SecurityService, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{security: security, logger: logger.Named("security_handler")}
}

// -----------------------------------------------------------------------------
// Secrets vault
// -----------------------------------------------------------------------------

type secretRequest struct {
	InstanceID *string `json:"instanceId"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Value      string  `json:"value"`
}

type secretResponse struct {
	ID            string  `json:"id"`
	InstanceID    *string `json:"instanceId"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	CreatedAt     string  `json:"createdAt"`
	LastRotatedAt *string `json:"lastRotatedAt"`
	ExpiresAt     *string `json:"expiresAt"`
}

func secretToResponse(s *db.Secret) secretResponse {
	resp := secretResponse{
		ID:        s.ID.String(),
		Name:      s.Name,
		Type:      s.Type,
		CreatedAt: s.CreatedAt.UTC().Format(timeFormat),
	}
	if s.InstanceID != nil {
		v := s.InstanceID.String()
		resp.InstanceID = &v
	}
	if s.LastRotatedAt != nil {
		v := s.LastRotatedAt.UTC().Format(timeFormat)
		resp.LastRotatedAt = &v
	}
	if s.ExpiresAt != nil {
		v := s.ExpiresAt.UTC().Format(timeFormat)
		resp.ExpiresAt = &v
	}
	return resp
}

// CreateSecret handles POST /api/v1/secrets.
func (h *SecurityHandler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	secret := &db.Secret{
		Name:  req.Name,
		Type:  req.Type,
		Value: db.EncryptedString(req.Value),
	}
	if secret.Type == "" {
		secret.Type = "generic"
	}
	if req.InstanceID != nil && *req.InstanceID != "" {
		id, err := uuid.Parse(*req.InstanceID)
		if err != nil {
			ErrBadRequest(w, "invalid instanceId")
			return
		}
		secret.InstanceID = &id
	}

	created, err := h.security.CreateSecret(r.Context(), secret)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, secretToResponse(created))
}

// ListSecrets handles GET /api/v1/secrets.
func (h *SecurityHandler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	instanceID, ok := queryUUID(r, "instanceId")
	if !ok {
		ErrBadRequest(w, "invalid instanceId parameter")
		return
	}

	secrets, total, err := h.security.ListSecrets(r.Context(), instanceID, opts)
	if err != nil {
		h.logger.Error("failed to list secrets", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]secretResponse, len(secrets))
	for i := range secrets {
		items[i] = secretToResponse(&secrets[i])
	}
	Paginated(w, items, page, pageSize, total)
}

// DeleteSecret handles DELETE /api/v1/secrets/{id}.
func (h *SecurityHandler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.security.DeleteSecret(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete secret", zap.String("secret_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type rotateSecretRequest struct {
	Value string `json:"value"`
}

// RotateSecret handles POST /api/v1/secrets/{id}/rotate. Elevated roles only.
func (h *SecurityHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req rotateSecretRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	secret, err := h.security.RotateSecret(r.Context(), id, req.Value)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, secretToResponse(secret))
}

// RevealSecret handles GET /api/v1/secrets/{id}/reveal. Elevated roles only.
func (h *SecurityHandler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	value, err := h.security.RevealSecret(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to reveal secret", zap.String("secret_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"value": value})
}

// -----------------------------------------------------------------------------
// Scanner findings
// -----------------------------------------------------------------------------

type vulnerabilityResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
	CVE        string `json:"cve"`
	Severity   string `json:"severity"`
	Package    string `json:"package"`
	Version    string `json:"version"`
	FixedIn    string `json:"fixedIn"`
	Status     string `json:"status"`
	DetectedAt string `json:"detectedAt"`
}

// ListVulnerabilities handles GET /api/v1/security/vulnerabilities.
func (h *SecurityHandler) ListVulnerabilities(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	instanceID, ok := queryUUID(r, "instanceId")
	if !ok {
		ErrBadRequest(w, "invalid instanceId parameter")
		return
	}

	vulns, total, err := h.security.ListVulnerabilities(r.Context(), instanceID, opts)
	if err != nil {
		h.logger.Error("failed to list vulnerabilities", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]vulnerabilityResponse, len(vulns))
	for i, v := range vulns {
		items[i] = vulnerabilityResponse{
			ID:         v.ID.String(),
			InstanceID: v.InstanceID.String(),
			CVE:        v.CVE,
			Severity:   v.Severity,
			Package:    v.Package,
			Version:    v.Version,
			FixedIn:    v.FixedIn,
			Status:     v.Status,
			DetectedAt: v.DetectedAt.UTC().Format(timeFormat),
		}
	}
	Paginated(w, items, page, pageSize, total)
}

// Summary handles GET /api/v1/security/summary.
func (h *SecurityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.security.Summary(r.Context())
	if err != nil {
		h.logger.Error("failed to compute security summary", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, summary)
}
