package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

// DriftHandler exposes config snapshots, drift events and the drift summary.
type DriftHandler struct {
	drift  *services.DriftService
	logger *zap.Logger
}

func NewDriftHandler(drift *services.DriftService, logger *zap.Logger) *DriftHandler {
	return &DriftHandler{drift: drift, logger: logger.Named("drift_handler")}
}

type snapshotResponse struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instanceId"`
	TakenAt     string `json:"takenAt"`
	DriftStatus string `json:"driftStatus"`
	ConfigHash  string `json:"configHash"`
}

func snapshotToResponse(s *db.ConfigSnapshot) snapshotResponse {
	return snapshotResponse{
		ID:          s.ID.String(),
		InstanceID:  s.InstanceID.String(),
		TakenAt:     s.TakenAt.UTC().Format(timeFormat),
		DriftStatus: s.DriftStatus,
		ConfigHash:  s.ConfigHash,
	}
}

type driftEventResponse struct {
	ID          string  `json:"id"`
	SnapshotID  string  `json:"snapshotId"`
	Severity    string  `json:"severity"`
	FieldPath   string  `json:"fieldPath"`
	DeclaredVal string  `json:"declaredVal"`
	ActualVal   string  `json:"actualVal"`
	Description string  `json:"description"`
	DetectedAt  string  `json:"detectedAt"`
	ResolvedAt  *string `json:"resolvedAt"`
	Remediation string  `json:"remediation"`
}

func driftEventToResponse(e *db.DriftEvent) driftEventResponse {
	resp := driftEventResponse{
		ID:          e.ID.String(),
		SnapshotID:  e.SnapshotID.String(),
		Severity:    e.Severity,
		FieldPath:   e.FieldPath,
		DeclaredVal: e.DeclaredVal,
		ActualVal:   e.ActualVal,
		Description: e.Description,
		DetectedAt:  e.DetectedAt.UTC().Format(timeFormat),
		Remediation: e.Remediation,
	}
	if e.ResolvedAt != nil {
		s := e.ResolvedAt.UTC().Format(timeFormat)
		resp.ResolvedAt = &s
	}
	return resp
}

// ListSnapshots handles GET /api/v1/drift/snapshots.
func (h *DriftHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	instanceID, ok := queryUUID(r, "instanceId")
	if !ok {
		ErrBadRequest(w, "invalid instanceId parameter")
		return
	}

	snapshots, total, err := h.drift.ListSnapshots(r.Context(), instanceID, opts)
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]snapshotResponse, len(snapshots))
	for i := range snapshots {
		items[i] = snapshotToResponse(&snapshots[i])
	}
	Paginated(w, items, page, pageSize, total)
}

// GetSnapshot handles GET /api/v1/drift/snapshots/{id}. Returns the snapshot
// with the full declared/actual documents and its events.
func (h *DriftHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	snapshot, events, err := h.drift.GetSnapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load snapshot", zap.String("snapshot_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	eventItems := make([]driftEventResponse, len(events))
	for i := range events {
		eventItems[i] = driftEventToResponse(&events[i])
	}
	Ok(w, envelope{
		"snapshot": snapshotToResponse(snapshot),
		"declared": snapshot.Declared,
		"actual":   snapshot.Actual,
		"events":   eventItems,
	})
}

// ListEvents handles GET /api/v1/drift/events (unresolved only).
func (h *DriftHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	events, total, err := h.drift.ListUnresolvedEvents(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list drift events", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]driftEventResponse, len(events))
	for i := range events {
		items[i] = driftEventToResponse(&events[i])
	}
	Paginated(w, items, page, pageSize, total)
}

type resolveEventRequest struct {
	Remediation string `json:"remediation"`
}

// ResolveEvent handles POST /api/v1/drift/events/{id}/resolve.
func (h *DriftHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req resolveEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.drift.ResolveEvent(r.Context(), id, req.Remediation); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to resolve drift event", zap.String("event_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Summary handles GET /api/v1/drift/summary.
func (h *DriftHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.drift.Summary(r.Context())
	if err != nil {
		h.logger.Error("failed to compute drift summary", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, summary)
}
