package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/ingest"
	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/service"
)

// MeterService is the part of service.MeterService used by the API.
type MeterService interface {
	Now() time.Time
	CurrentReadings(ctx context.Context) ([]models.Counter, error)
	History(ctx context.Context, counterID int64, limit int) (models.Counter, []models.PulseLogEntry, error)
	ConsumptionForPeriod(ctx context.Context, counterID int64, start, end time.Time) (service.Consumption, error)
	ConsumptionForAllCounters(ctx context.Context, start, end time.Time) ([]service.Consumption, error)
	Reset(ctx context.Context, counterID int64) (service.ResetResult, error)
	WindowTotals(ctx context.Context, window time.Duration) ([]service.WindowTotal, error)
	HourlySeries(ctx context.Context, hours int) ([]service.SeriesPoint, error)
	Ping(ctx context.Context) error
}

// MeterHandlers serves counter readings, consumption and reset endpoints.
type MeterHandlers struct {
	service MeterService
	logger  *zap.Logger
}

// NewMeterHandlers returns handler.
func NewMeterHandlers(service MeterService, logger *zap.Logger) *MeterHandlers {
	return &MeterHandlers{service: service, logger: logger}
}

type currentResponse struct {
	Success   bool             `json:"success"`
	Data      []models.Counter `json:"data"`
	Count     int              `json:"count"`
	Timestamp time.Time        `json:"timestamp"`
}

// Current handles GET /api/current.
func (h *MeterHandlers) Current(w http.ResponseWriter, r *http.Request) {
	counters, err := h.service.CurrentReadings(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "current readings", err)
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{
		Success:   true,
		Data:      counters,
		Count:     len(counters),
		Timestamp: h.service.Now(),
	})
}

type counterResponse struct {
	Success      bool                   `json:"success"`
	Current      models.Counter         `json:"current"`
	History      []models.PulseLogEntry `json:"history"`
	HistoryCount int                    `json:"history_count"`
}

// Counter handles GET /api/counter/{id}.
func (h *MeterHandlers) Counter(w http.ResponseWriter, r *http.Request) {
	id, err := counterIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(r, "limit", service.DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	counter, history, err := h.service.History(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, h.logger, "counter history", err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{
		Success:      true,
		Current:      counter,
		History:      history,
		HistoryCount: len(history),
	})
}

type periodRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	CounterID *int64 `json:"counter_id"`
}

type periodResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	CounterID *int64      `json:"counter_id,omitempty"`
	Count     *int        `json:"count,omitempty"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
}

// ConsumptionForPeriod handles POST /api/consumption/period.
func (h *MeterHandlers) ConsumptionForPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.StartTime == "" || req.EndTime == "" {
		writeError(w, http.StatusBadRequest, "start_time and end_time required")
		return
	}
	start, err := ingest.ParseTimestamp(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start_time: %v", err))
		return
	}
	end, err := ingest.ParseTimestamp(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end_time: %v", err))
		return
	}

	resp := periodResponse{Success: true, StartTime: start, EndTime: end}
	// Counter ids start at 1; a zero id selects every counter, like an omitted one.
	if req.CounterID != nil && *req.CounterID != 0 {
		result, err := h.service.ConsumptionForPeriod(r.Context(), *req.CounterID, start, end)
		if err != nil {
			writeServiceError(w, h.logger, "consumption for period", err)
			return
		}
		resp.Data = result
		resp.CounterID = req.CounterID
	} else {
		results, err := h.service.ConsumptionForAllCounters(r.Context(), start, end)
		if err != nil {
			writeServiceError(w, h.logger, "consumption for all counters", err)
			return
		}
		count := len(results)
		resp.Data = results
		resp.Count = &count
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    service.ResetResult `json:"data"`
}

// Reset handles POST /api/counter/reset/{id}.
func (h *MeterHandlers) Reset(w http.ResponseWriter, r *http.Request) {
	id, err := counterIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Reset(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "reset counter", err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{
		Success: true,
		Message: fmt.Sprintf("Counter %d reset successfully", id),
		Data:    result,
	})
}

type grafanaMetricsResponse struct {
	Success     bool                  `json:"success"`
	Metrics     []service.WindowTotal `json:"metrics"`
	WindowHours float64               `json:"window_hours"`
	Timestamp   time.Time             `json:"timestamp"`
}

type grafanaSeriesResponse struct {
	Success bool                  `json:"success"`
	Data    []service.SeriesPoint `json:"data"`
	Hours   int                   `json:"hours"`
}

// GrafanaHandlers serves dashboard aggregates.
type GrafanaHandlers struct {
	service MeterService
	window  time.Duration
	logger  *zap.Logger
}

// NewGrafanaHandlers returns handler. window is the trailing period of Metrics.
func NewGrafanaHandlers(service MeterService, window time.Duration, logger *zap.Logger) *GrafanaHandlers {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &GrafanaHandlers{service: service, window: window, logger: logger}
}

// Metrics handles GET /api/grafana/metrics.
func (h *GrafanaHandlers) Metrics(w http.ResponseWriter, r *http.Request) {
	totals, err := h.service.WindowTotals(r.Context(), h.window)
	if err != nil {
		writeServiceError(w, h.logger, "grafana metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, grafanaMetricsResponse{
		Success:     true,
		Metrics:     totals,
		WindowHours: h.window.Hours(),
		Timestamp:   h.service.Now(),
	})
}

// Timeseries handles GET /api/grafana/timeseries.
func (h *GrafanaHandlers) Timeseries(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "hours", service.DefaultSeriesHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hours < service.MinSeriesHours || hours > service.MaxSeriesHours {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hours must be within %d..%d", service.MinSeriesHours, service.MaxSeriesHours))
		return
	}

	points, err := h.service.HourlySeries(r.Context(), hours)
	if err != nil {
		writeServiceError(w, h.logger, "grafana timeseries", err)
		return
	}
	writeJSON(w, http.StatusOK, grafanaSeriesResponse{Success: true, Data: points, Hours: hours})
}
