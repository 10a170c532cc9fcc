package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

// ChannelHandler groups the notification channel endpoints. Configs returned
// by every endpoint are masked by the channel service.
type ChannelHandler struct {
	channels *services.ChannelService
	logger   *zap.Logger
}

func NewChannelHandler(channels *services.ChannelService, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, logger: logger.Named("channel_handler")}
}

type channelRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Config  string `json:"config"`
	Enabled *bool  `json:"enabled"`
}

type channelResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Config    string `json:"config"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"createdAt"`
}

func channelToResponse(c *db.NotificationChannel) channelResponse {
	return channelResponse{
		ID:        c.ID.String(),
		Name:      c.Name,
		Type:      c.Type,
		Config:    c.Config,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt.UTC().Format(timeFormat),
	}
}

// Create handles POST /api/v1/channels.
func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	channel := &db.NotificationChannel{
		Name:    req.Name,
		Type:    req.Type,
		Config:  req.Config,
		Enabled: true,
	}
	if req.Enabled != nil {
		channel.Enabled = *req.Enabled
	}

	created, err := h.channels.Create(r.Context(), channel)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, channelToResponse(created))
}

// Update handles PUT /api/v1/channels/{id}.
func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.channels.Update(r.Context(), id, req.Name, req.Config, req.Enabled)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, channelToResponse(updated))
}

// Get handles GET /api/v1/channels/{id}.
func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	channel, err := h.channels.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load channel", zap.String("channel_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, channelToResponse(channel))
}

// List handles GET /api/v1/channels.
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, opts := pageOpts(r)

	channels, total, err := h.channels.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list channels", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]channelResponse, len(channels))
	for i := range channels {
		items[i] = channelToResponse(&channels[i])
	}
	Paginated(w, items, page, pageSize, total)
}

// Delete handles DELETE /api/v1/channels/{id}.
func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.channels.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete channel", zap.String("channel_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Test handles POST /api/v1/channels/{id}/test. Sends a canned notification
// through the stored config; nothing is persisted either way.
func (h *ChannelHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.channels.Test(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("channel test failed", zap.String("channel_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, result)
}
