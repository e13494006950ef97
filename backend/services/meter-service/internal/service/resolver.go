package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/repository"
)

// Resolver maps controller ids to counter ids. The table is built once and never changes,
// so lookups need no locking.
type Resolver struct {
	byController map[string]int64
	names        map[int64]string
}

// NewResolver provisions one counter per distinct name in controllers and returns the
// resulting identity table.
func NewResolver(ctx context.Context, store repository.Querier, controllers map[string]string, logger *zap.Logger) (*Resolver, error) {
	r := &Resolver{
		byController: make(map[string]int64, len(controllers)),
		names:        make(map[int64]string, len(controllers)),
	}

	controllerIDs := make([]string, 0, len(controllers))
	for id := range controllers {
		controllerIDs = append(controllerIDs, id)
	}
	sort.Strings(controllerIDs)

	byName := make(map[string]int64, len(controllers))
	for _, controllerID := range controllerIDs {
		name := controllers[controllerID]
		counterID, ok := byName[name]
		if !ok {
			id, err := store.CreateCounterIfAbsent(ctx, name)
			if err != nil {
				return nil, storageError(fmt.Sprintf("provision counter %q", name), err)
			}
			counterID = id
			byName[name] = id
			r.names[id] = name
		}
		r.byController[controllerID] = counterID
		if logger != nil {
			logger.Info("controller mapped",
				zap.String("controller_id", controllerID),
				zap.String("counter", name),
				zap.Int64("counter_id", counterID),
			)
		}
	}
	return r, nil
}

// Resolve returns the counter fed by controllerID.
func (r *Resolver) Resolve(controllerID string) (int64, error) {
	id, ok := r.byController[controllerID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, controllerID)
	}
	return id, nil
}

// CounterName returns the provisioned name of counterID.
func (r *Resolver) CounterName(counterID int64) (string, bool) {
	name, ok := r.names[counterID]
	return name, ok
}

// Controllers returns the identity table sorted by controller id.
func (r *Resolver) Controllers() []ControllerMapping {
	out := make([]ControllerMapping, 0, len(r.byController))
	for controllerID, counterID := range r.byController {
		out = append(out, ControllerMapping{
			ControllerID: controllerID,
			CounterID:    counterID,
			CounterName:  r.names[counterID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ControllerID < out[j].ControllerID })
	return out
}

// ControllerMapping is one row of the identity table.
type ControllerMapping struct {
	ControllerID string `json:"controller_id"`
	CounterID    int64  `json:"counter_id"`
	CounterName  string `json:"counter_name"`
}
