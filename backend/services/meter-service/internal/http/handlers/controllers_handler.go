package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/service"
)

// ControllerDirectory lists the static controller to counter mapping.
type ControllerDirectory interface {
	Controllers() []service.ControllerMapping
}

// StatusLister returns the last known controller statuses.
type StatusLister interface {
	ListStatuses(ctx context.Context) ([]models.ControllerStatus, error)
}

type controllerView struct {
	service.ControllerMapping
	Online bool                     `json:"online"`
	Status *models.ControllerStatus `json:"status"`
}

type controllersResponse struct {
	Success       bool             `json:"success"`
	Data          []controllerView `json:"data"`
	Count         int              `json:"count"`
	StatusEnabled bool             `json:"status_enabled"`
}

// ControllersHandler serves the identity map joined with cached controller status.
type ControllersHandler struct {
	directory ControllerDirectory
	statuses  StatusLister
	logger    *zap.Logger
}

// NewControllersHandler returns handler. statuses may be nil when no cache is configured.
func NewControllersHandler(directory ControllerDirectory, statuses StatusLister, logger *zap.Logger) *ControllersHandler {
	return &ControllersHandler{directory: directory, statuses: statuses, logger: logger}
}

// ServeHTTP handles GET /api/controllers.
func (h *ControllersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mappings := h.directory.Controllers()

	byController := make(map[string]models.ControllerStatus)
	if h.statuses != nil {
		statuses, err := h.statuses.ListStatuses(r.Context())
		if err != nil {
			h.logger.Warn("failed to load controller statuses", zap.Error(err))
		}
		for _, s := range statuses {
			byController[s.ControllerID] = s
		}
	}

	views := make([]controllerView, 0, len(mappings))
	for _, m := range mappings {
		view := controllerView{ControllerMapping: m}
		if s, ok := byController[m.ControllerID]; ok {
			status := s
			view.Status = &status
			view.Online = true
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, controllersResponse{
		Success:       true,
		Data:          views,
		Count:         len(views),
		StatusEnabled: h.statuses != nil,
	})
}
