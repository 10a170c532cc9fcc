package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// InstanceHandler exposes the instance directory and per-instance telemetry
// history. These endpoints read repositories directly; there is no service
// logic between the store and the wire.
type InstanceHandler struct {
	instances repositories.InstanceRepository
	metrics   repositories.MetricRepository
	events    repositories.InstanceEventRepository
	logger    *zap.Logger
}

func NewInstanceHandler(
	instances repositories.InstanceRepository,
	metrics repositories.MetricRepository,
	events repositories.InstanceEventRepository,
	logger *zap.Logger,
) *InstanceHandler {
	return &InstanceHandler{
		instances: instances,
		metrics:   metrics,
		events:    events,
		logger:    logger.Named("instance_handler"),
	}
}

type instanceResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Region    string `json:"region"`
	Labels    string `json:"labels"`
	CreatedAt string `json:"createdAt"`
}

func instanceToResponse(i *db.Instance) instanceResponse {
	return instanceResponse{
		ID:        i.ID.String(),
		Name:      i.Name,
		Status:    i.Status,
		Region:    i.Region,
		Labels:    i.Labels,
		CreatedAt: i.CreatedAt.UTC().Format(timeFormat),
	}
}

type metricResponse struct {
	Timestamp    string  `json:"timestamp"`
	CPUPercent   float64 `json:"cpuPercent"`
	MemPercent   float64 `json:"memPercent"`
	DiskPercent  float64 `json:"diskPercent"`
	LoadAvg1     float64 `json:"loadAvg1"`
	LoadAvg5     float64 `json:"loadAvg5"`
	LoadAvg15    float64 `json:"loadAvg15"`
	NetBytesSent int64   `json:"netBytesSent"`
	NetBytesRecv int64   `json:"netBytesRecv"`
	ProcessCount int     `json:"processCount"`
	UptimeSec    int64   `json:"uptimeSec"`
}

// List handles GET /api/v1/instances.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	instances, total, err := h.instances.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list instances", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]instanceResponse, len(instances))
	for i := range instances {
		items[i] = instanceToResponse(&instances[i])
	}
	Paginated(w, items, page, pageSize, total)
}

// Get handles GET /api/v1/instances/{id}.
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	instance, err := h.instances.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load instance", zap.String("instance_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, instanceToResponse(instance))
}

// Metrics handles GET /api/v1/instances/{id}/metrics, newest first.
func (h *InstanceHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	page, pageSize, opts := pageOpts(r)

	samples, total, err := h.metrics.ListByInstance(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list metrics", zap.String("instance_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]metricResponse, len(samples))
	for i, m := range samples {
		items[i] = metricResponse{
			Timestamp:    m.Timestamp.UTC().Format(timeFormat),
			CPUPercent:   m.CPUPercent,
			MemPercent:   m.MemPercent(),
			DiskPercent:  m.DiskPercent(),
			LoadAvg1:     m.LoadAvg1,
			LoadAvg5:     m.LoadAvg5,
			LoadAvg15:    m.LoadAvg15,
			NetBytesSent: m.NetBytesSent,
			NetBytesRecv: m.NetBytesRecv,
			ProcessCount: m.ProcessCount,
			UptimeSec:    m.UptimeSec,
		}
	}
	Paginated(w, items, page, pageSize, total)
}

type instanceEventResponse struct {
	ID         string `json:"id"`
	EventType  string `json:"eventType"`
	Metadata   string `json:"metadata"`
	OccurredAt string `json:"occurredAt"`
}

// Events handles GET /api/v1/instances/{id}/events.
func (h *InstanceHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	page, pageSize, opts := pageOpts(r)

	events, total, err := h.events.ListByInstance(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list instance events", zap.String("instance_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]instanceEventResponse, len(events))
	for i, e := range events {
		items[i] = instanceEventResponse{
			ID:         e.ID.String(),
			EventType:  e.EventType,
			Metadata:   e.Metadata,
			OccurredAt: e.OccurredAt.UTC().Format(timeFormat),
		}
	}
	Paginated(w, items, page, pageSize, total)
}
