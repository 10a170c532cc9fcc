package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

// RuleHandler groups the alert rule CRUD endpoints.
type RuleHandler struct {
	rules  *services.RuleService
	logger *zap.Logger
}

func NewRuleHandler(rules *services.RuleService, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger.Named("rule_handler")}
}

type ruleRequest struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	InstanceID  *string  `json:"instanceId"`
	Conditions  string   `json:"conditions"`
	CooldownSec *int     `json:"cooldownSec"`
	Enabled     *bool    `json:"enabled"`
	ChannelIDs  []string `json:"channelIds"`
}

type ruleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	InstanceID  *string  `json:"instanceId"`
	Conditions  string   `json:"conditions"`
	CooldownSec int      `json:"cooldownSec"`
	Enabled     bool     `json:"enabled"`
	ChannelIDs  []string `json:"channelIds"`
	CreatedAt   string   `json:"createdAt"`
}

func ruleToResponse(rule *db.AlertRule) ruleResponse {
	resp := ruleResponse{
		ID:          rule.ID.String(),
		Name:        rule.Name,
		Type:        rule.Type,
		Severity:    rule.Severity,
		Conditions:  rule.Conditions,
		CooldownSec: rule.CooldownSec,
		Enabled:     rule.Enabled,
		ChannelIDs:  make([]string, len(rule.ChannelIDs)),
		CreatedAt:   rule.CreatedAt.UTC().Format(timeFormat),
	}
	if rule.InstanceID != nil {
		s := rule.InstanceID.String()
		resp.InstanceID = &s
	}
	for i, id := range rule.ChannelIDs {
		resp.ChannelIDs[i] = id.String()
	}
	return resp
}

func (req *ruleRequest) toInput(w http.ResponseWriter) (services.RuleInput, bool) {
	in := services.RuleInput{
		Name:        req.Name,
		Type:        req.Type,
		Severity:    req.Severity,
		Conditions:  req.Conditions,
		CooldownSec: req.CooldownSec,
		Enabled:     req.Enabled,
	}
	if req.InstanceID != nil && *req.InstanceID != "" {
		id, err := uuid.Parse(*req.InstanceID)
		if err != nil {
			ErrBadRequest(w, "invalid instanceId")
			return in, false
		}
		in.InstanceID = &id
	}
	if req.ChannelIDs != nil {
		in.ChannelIDs = make([]uuid.UUID, 0, len(req.ChannelIDs))
		for _, raw := range req.ChannelIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				ErrBadRequest(w, "invalid channel id "+raw)
				return in, false
			}
			in.ChannelIDs = append(in.ChannelIDs, id)
		}
	}
	return in, true
}

// Create handles POST /api/v1/rules.
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in, ok := req.toInput(w)
	if !ok {
		return
	}

	rule, err := h.rules.Create(r.Context(), in)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, ruleToResponse(rule))
}

// Update handles PUT /api/v1/rules/{id}.
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in, ok := req.toInput(w)
	if !ok {
		return
	}

	rule, err := h.rules.Update(r.Context(), id, in)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, ruleToResponse(rule))
}

// Get handles GET /api/v1/rules/{id}.
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load rule", zap.String("rule_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, ruleToResponse(rule))
}

// List handles GET /api/v1/rules. Supports type, severity, enabled and
// instanceId filters.
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	filter := repositories.RuleFilter{
		Type:     r.URL.Query().Get("type"),
		Severity: r.URL.Query().Get("severity"),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := strings.EqualFold(v, "true")
		filter.Enabled = &enabled
	}
	var ok bool
	if filter.InstanceID, ok = queryUUID(r, "instanceId"); !ok {
		ErrBadRequest(w, "invalid instanceId parameter")
		return
	}

	rules, total, err := h.rules.List(r.Context(), filter, opts)
	if err != nil {
		h.logger.Error("failed to list rules", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]ruleResponse, len(rules))
	for i := range rules {
		items[i] = ruleToResponse(&rules[i])
	}
	Paginated(w, items, page, pageSize, total)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEnabled handles PATCH /api/v1/rules/{id}/enabled.
func (h *RuleHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req setEnabledRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.rules.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to toggle rule", zap.String("rule_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Delete handles DELETE /api/v1/rules/{id}.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete rule", zap.String("rule_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
