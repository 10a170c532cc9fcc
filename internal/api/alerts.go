package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

// AlertHandler groups the alert read and transition endpoints.
type AlertHandler struct {
	alerts *services.AlertService
	logger *zap.Logger
}

func NewAlertHandler(alerts *services.AlertService, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger.Named("alert_handler")}
}

// alertResponse is the JSON representation of an alert. Acknowledgement
// fields are null once the alert is resolved: the resolution supersedes them.
type alertResponse struct {
	ID             string  `json:"id"`
	RuleID         string  `json:"ruleId"`
	InstanceID     *string `json:"instanceId"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	Metadata       string  `json:"metadata"`
	Status         string  `json:"status"`
	FiredAt        string  `json:"firedAt"`
	AcknowledgedAt *string `json:"acknowledgedAt"`
	AcknowledgedBy *string `json:"acknowledgedBy"`
	ResolvedAt     *string `json:"resolvedAt"`
	ResolvedBy     *string `json:"resolvedBy"`
	DedupeKey      string  `json:"dedupeKey"`
}

func alertToResponse(a *db.Alert) alertResponse {
	resp := alertResponse{
		ID:        a.ID.String(),
		RuleID:    a.RuleID.String(),
		Severity:  a.Severity,
		Title:     a.Title,
		Message:   a.Message,
		Metadata:  a.Metadata,
		Status:    a.Status,
		FiredAt:   a.FiredAt.UTC().Format(timeFormat),
		DedupeKey: a.DedupeKey,
	}
	if a.InstanceID != nil {
		s := a.InstanceID.String()
		resp.InstanceID = &s
	}
	// Acknowledgement is not reported for resolved alerts.
	if a.Status != alerting.StatusResolved && a.AcknowledgedAt != nil {
		s := a.AcknowledgedAt.UTC().Format(timeFormat)
		resp.AcknowledgedAt = &s
		if a.AcknowledgedBy != "" {
			by := a.AcknowledgedBy
			resp.AcknowledgedBy = &by
		}
	}
	if a.ResolvedAt != nil {
		s := a.ResolvedAt.UTC().Format(timeFormat)
		resp.ResolvedAt = &s
		if a.ResolvedBy != "" {
			by := a.ResolvedBy
			resp.ResolvedBy = &by
		}
	}
	return resp
}

// List handles GET /api/v1/alerts. Supports status, severity, ruleId and
// instanceId filters; ordered by firedAt descending.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	filter := repositories.AlertFilter{
		Status:   r.URL.Query().Get("status"),
		Severity: r.URL.Query().Get("severity"),
	}
	var ok bool
	if filter.RuleID, ok = queryUUID(r, "ruleId"); !ok {
		ErrBadRequest(w, "invalid ruleId parameter")
		return
	}
	if filter.InstanceID, ok = queryUUID(r, "instanceId"); !ok {
		ErrBadRequest(w, "invalid instanceId parameter")
		return
	}

	alerts, total, err := h.alerts.List(r.Context(), filter, opts)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]alertResponse, len(alerts))
	for i := range alerts {
		items[i] = alertToResponse(&alerts[i])
	}
	Paginated(w, items, page, pageSize, total)
}

// Get handles GET /api/v1/alerts/{id}.
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	alert, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load alert", zap.String("alert_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, alertToResponse(alert))
}

// Summary handles GET /api/v1/alerts/summary.
func (h *AlertHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.alerts.Summary(r.Context())
	if err != nil {
		h.logger.Error("failed to compute alert summary", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, summary)
}

// Acknowledge handles POST /api/v1/alerts/{id}/acknowledge. Returns 404 when
// the alert does not exist or is already resolved.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	alert, err := h.alerts.Acknowledge(r.Context(), id, actorID(r))
	if err != nil {
		h.logger.Error("failed to acknowledge alert", zap.String("alert_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if alert == nil {
		ErrNotFound(w)
		return
	}
	Ok(w, alertToResponse(alert))
}

// Resolve handles POST /api/v1/alerts/{id}/resolve.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	alert, err := h.alerts.Resolve(r.Context(), id, actorID(r))
	if err != nil {
		h.logger.Error("failed to resolve alert", zap.String("alert_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if alert == nil {
		ErrNotFound(w)
		return
	}
	Ok(w, alertToResponse(alert))
}

type bulkAlertRequest struct {
	IDs []string `json:"ids"`
}

type bulkAlertResponse struct {
	Updated int64 `json:"updated"`
}

// BulkAcknowledge handles POST /api/v1/alerts/bulk-acknowledge.
func (h *AlertHandler) BulkAcknowledge(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBulkIDs(w, r)
	if !ok {
		return
	}
	n, err := h.alerts.BulkAcknowledge(r.Context(), ids, actorID(r))
	if err != nil {
		h.logger.Error("bulk acknowledge failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, bulkAlertResponse{Updated: n})
}

// BulkResolve handles POST /api/v1/alerts/bulk-resolve.
func (h *AlertHandler) BulkResolve(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBulkIDs(w, r)
	if !ok {
		return
	}
	n, err := h.alerts.BulkResolve(r.Context(), ids, actorID(r))
	if err != nil {
		h.logger.Error("bulk resolve failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, bulkAlertResponse{Updated: n})
}

func decodeBulkIDs(w http.ResponseWriter, r *http.Request) ([]uuid.UUID, bool) {
	var req bulkAlertRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid alert id "+raw)
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// actorID identifies the acting user for transition audit fields.
func actorID(r *http.Request) string {
	if p := principalFromCtx(r.Context()); p != nil {
		return p.UserID.String()
	}
	return ""
}
