package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"watermeter/backend/services/meter-service/internal/models"
)

const indexKey = "meter:controllers"

// ErrStatusNotFound is returned when no fresh status exists for a controller.
var ErrStatusNotFound = errors.New("redisstore: status not found")

// StatusStore caches the last status document of each controller.
type StatusStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStatusStore returns redis-backed store. Entries expire ttl after their last update.
func NewStatusStore(client redis.Cmdable, ttl time.Duration) *StatusStore {
	return &StatusStore{client: client, ttl: ttl}
}

func (s *StatusStore) key(controllerID string) string {
	return fmt.Sprintf("meter:controller:%s:status", controllerID)
}

// SaveStatus caches status and indexes the controller id.
func (s *StatusStore) SaveStatus(ctx context.Context, status models.ControllerStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(status.ControllerID), data, s.ttl)
		pipe.SAdd(ctx, indexKey, status.ControllerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save status %s: %w", status.ControllerID, err)
	}
	return nil
}

// GetStatus returns the cached status of controllerID.
func (s *StatusStore) GetStatus(ctx context.Context, controllerID string) (models.ControllerStatus, error) {
	result, err := s.client.Get(ctx, s.key(controllerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ControllerStatus{}, ErrStatusNotFound
		}
		return models.ControllerStatus{}, err
	}
	var status models.ControllerStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return models.ControllerStatus{}, err
	}
	return status, nil
}

// ListStatuses returns every unexpired status ordered by controller id. Index members
// whose status expired are pruned.
func (s *StatusStore) ListStatuses(ctx context.Context) ([]models.ControllerStatus, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list controllers: %w", err)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return []models.ControllerStatus{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load statuses: %w", err)
	}

	out := make([]models.ControllerStatus, 0, len(ids))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var status models.ControllerStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, status)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, indexKey, stale...).Err()
	}
	return out, nil
}

// Delete removes the cached status of controllerID.
func (s *StatusStore) Delete(ctx context.Context, controllerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(controllerID))
		pipe.SRem(ctx, indexKey, controllerID)
		return nil
	})
	return err
}
