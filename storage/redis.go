package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// Key layout. Definitions and enrollments are JSON values; the due index is
// a sorted set scored by dueAt in unix milliseconds so ListDue is a single
// ZRANGEBYSCORE.
const (
	keyCampaigns    = "campaigns"
	keyDefinition   = "campaign:%s:v%d"
	keyLatest       = "campaign:%s:latest"
	keyEnrollment   = "enrollment:%s"
	keyOpenPair     = "enrollment:open:%s:%s" // campaignID, targetID
	keyLastPair     = "enrollment:last:%s:%s"
	keyCampaignSet  = "enrollments:campaign:%s"
	keyTargetSet    = "enrollments:target:%s"
	keyDueIndex     = "enrollments:due"
	keyActions      = "actions:%s"
	keyEngagement   = "engagement:%s"
	keyDedupePrefix = "engagement:dedupe:"
)

// DefaultDedupeWindow bounds how long engagement dedupe keys are remembered.
const DefaultDedupeWindow = 24 * time.Hour

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client       *redis.Client
	dedupeWindow time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	DedupeWindow time.Duration
}

// NewRedisStorage creates a new RedisStorage instance and verifies the
// connection.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	window := opts.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &RedisStorage{client: client, dedupeWindow: window}, nil
}

// NewRedisStorageFromClient wraps an existing client, for tests.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client, dedupeWindow: DefaultDedupeWindow}
}

func (s *RedisStorage) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

// getJSON retrieves and unmarshals a value from Redis.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}
		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves one definition version and advances the latest
// pointer when needed.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.CampaignDefinition) error {
	return withContextError(ctx, func() error {
		if err := s.setJSON(ctx, fmt.Sprintf(keyDefinition, def.ID, def.Version), def); err != nil {
			return err
		}
		if err := s.client.SAdd(ctx, keyCampaigns, def.ID.String()).Err(); err != nil {
			return fmt.Errorf("failed to index campaign %s: %v", def.ID, err)
		}
		latestKey := fmt.Sprintf(keyLatest, def.ID)
		current, err := s.client.Get(ctx, latestKey).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to get %s from Redis: %v", latestKey, err)
		}
		if def.Version > current {
			if err := s.client.Set(ctx, latestKey, def.Version, 0).Err(); err != nil {
				return fmt.Errorf("failed to set %s in Redis: %v", latestKey, err)
			}
		}
		return nil
	})
}

// GetDefinition retrieves one exact definition version.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uuid.UUID, version int) (types.CampaignDefinition, error) {
	return getJSON[types.CampaignDefinition](ctx, s.client, fmt.Sprintf(keyDefinition, id, version), ErrDefinitionNotFound)
}

// LatestDefinition retrieves the highest version of a campaign.
func (s *RedisStorage) LatestDefinition(ctx context.Context, id uuid.UUID) (types.CampaignDefinition, error) {
	return withContext(ctx, func() (types.CampaignDefinition, error) {
		version, err := s.client.Get(ctx, fmt.Sprintf(keyLatest, id)).Int()
		if errors.Is(err, redis.Nil) {
			return types.CampaignDefinition{}, fmt.Errorf("%w: id=%s", ErrDefinitionNotFound, id)
		} else if err != nil {
			return types.CampaignDefinition{}, fmt.Errorf("failed to get latest version for %s: %v", id, err)
		}
		return s.GetDefinition(ctx, id, version)
	})
}

// ListLatestDefinitions returns the latest version of every campaign.
func (s *RedisStorage) ListLatestDefinitions(ctx context.Context) ([]types.CampaignDefinition, error) {
	return withContext(ctx, func() ([]types.CampaignDefinition, error) {
		ids, err := s.client.SMembers(ctx, keyCampaigns).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read campaign index: %v", err)
		}
		out := make([]types.CampaignDefinition, 0, len(ids))
		for _, idStr := range ids {
			id, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			def, err := s.LatestDefinition(ctx, id)
			if errors.Is(err, ErrDefinitionNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, def)
		}
		return out, nil
	})
}

// dueScore maps an enrollment to its due-index score, or -1 when the
// enrollment should not be indexed.
func dueScore(e *types.Enrollment) float64 {
	if e.Terminal() {
		return -1
	}
	switch e.Status {
	case types.StatusPending, types.StatusActive:
		return float64(e.LastTransitionAt.UnixMilli())
	case types.StatusWaiting, types.StatusBlockedOnEvent, types.StatusBlockedOnTask:
		if e.DueAt == nil {
			return -1
		}
		return float64(e.DueAt.UnixMilli())
	}
	return -1
}

func (s *RedisStorage) writeEnrollment(ctx context.Context, e types.Enrollment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment %s: %v", e.ID, err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(keyEnrollment, e.ID), data, 0)
	pipe.SAdd(ctx, fmt.Sprintf(keyCampaignSet, e.CampaignID), e.ID.String())
	pipe.SAdd(ctx, fmt.Sprintf(keyTargetSet, e.TargetID), e.ID.String())
	if score := dueScore(&e); score >= 0 {
		pipe.ZAdd(ctx, keyDueIndex, &redis.Z{Score: score, Member: e.ID.String()})
	} else {
		pipe.ZRem(ctx, keyDueIndex, e.ID.String())
	}
	if e.Terminal() {
		pipe.Del(ctx, fmt.Sprintf(keyOpenPair, e.CampaignID, e.TargetID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write enrollment %s: %v", e.ID, err)
	}
	return nil
}

// CreateEnrollment inserts a new enrollment. The open-pair marker enforces
// the one-non-terminal-enrollment-per-pair invariant.
func (s *RedisStorage) CreateEnrollment(ctx context.Context, e types.Enrollment) error {
	return withContextError(ctx, func() error {
		openKey := fmt.Sprintf(keyOpenPair, e.CampaignID, e.TargetID)
		set, err := s.client.SetNX(ctx, openKey, e.ID.String(), 0).Result()
		if err != nil {
			return fmt.Errorf("failed to reserve enrollment slot: %v", err)
		}
		if !set {
			return fmt.Errorf("%w: campaign=%s target=%s", ErrDuplicateEnrollment, e.CampaignID, e.TargetID)
		}
		if err := s.client.Set(ctx, fmt.Sprintf(keyLastPair, e.CampaignID, e.TargetID), e.ID.String(), 0).Err(); err != nil {
			return fmt.Errorf("failed to index enrollment %s: %v", e.ID, err)
		}
		return s.writeEnrollment(ctx, e)
	})
}

// SaveEnrollment persists updated enrollment state and maintains the due
// index.
func (s *RedisStorage) SaveEnrollment(ctx context.Context, e types.Enrollment) error {
	return withContextError(ctx, func() error {
		return s.writeEnrollment(ctx, e)
	})
}

// GetEnrollment retrieves an enrollment by ID.
func (s *RedisStorage) GetEnrollment(ctx context.Context, id uuid.UUID) (types.Enrollment, error) {
	return getJSON[types.Enrollment](ctx, s.client, fmt.Sprintf(keyEnrollment, id), ErrEnrollmentNotFound)
}

// FindEnrollment retrieves the most recent enrollment for a (campaign,
// target) pair.
func (s *RedisStorage) FindEnrollment(ctx context.Context, campaignID uuid.UUID, targetID string) (types.Enrollment, error) {
	return withContext(ctx, func() (types.Enrollment, error) {
		idStr, err := s.client.Get(ctx, fmt.Sprintf(keyLastPair, campaignID, targetID)).Result()
		if errors.Is(err, redis.Nil) {
			return types.Enrollment{}, fmt.Errorf("%w: campaign=%s target=%s", ErrEnrollmentNotFound, campaignID, targetID)
		} else if err != nil {
			return types.Enrollment{}, fmt.Errorf("failed to look up enrollment: %v", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return types.Enrollment{}, fmt.Errorf("corrupt enrollment index for %s/%s: %v", campaignID, targetID, err)
		}
		return s.GetEnrollment(ctx, id)
	})
}

// ListDue returns enrollments whose due score has elapsed.
func (s *RedisStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		rng := &redis.ZRangeBy{
			Min: "0",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}
		if limit > 0 {
			rng.Count = int64(limit)
		}
		ids, err := s.client.ZRangeByScore(ctx, keyDueIndex, rng).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to range due index: %v", err)
		}
		out := make([]types.Enrollment, 0, len(ids))
		for _, idStr := range ids {
			id, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			e, err := s.GetEnrollment(ctx, id)
			if errors.Is(err, ErrEnrollmentNotFound) {
				s.client.ZRem(ctx, keyDueIndex, idStr)
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	})
}

func (s *RedisStorage) listBySet(ctx context.Context, setKey string, filter func(*types.Enrollment) bool) ([]types.Enrollment, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", setKey, err)
	}
	var out []types.Enrollment
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		e, err := s.GetEnrollment(ctx, id)
		if errors.Is(err, ErrEnrollmentNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if filter == nil || filter(&e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListByCampaign returns all enrollments for a campaign.
func (s *RedisStorage) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		return s.listBySet(ctx, fmt.Sprintf(keyCampaignSet, campaignID), nil)
	})
}

// ListOpenByTarget returns a target's non-terminal enrollments.
func (s *RedisStorage) ListOpenByTarget(ctx context.Context, targetID string) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		return s.listBySet(ctx, fmt.Sprintf(keyTargetSet, targetID), func(e *types.Enrollment) bool {
			return !e.Terminal()
		})
	})
}

// AppendAction appends an entry to the campaign's action log.
func (s *RedisStorage) AppendAction(ctx context.Context, entry types.ActionLogEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal action entry %d: %v", entry.Seq, err)
		}
		if err := s.client.RPush(ctx, fmt.Sprintf(keyActions, entry.CampaignID), data).Err(); err != nil {
			return fmt.Errorf("failed to append action entry: %v", err)
		}
		return nil
	})
}

// ListActions returns a campaign's action log in append order.
func (s *RedisStorage) ListActions(ctx context.Context, campaignID uuid.UUID) ([]types.ActionLogEntry, error) {
	return withContext(ctx, func() ([]types.ActionLogEntry, error) {
		raw, err := s.client.LRange(ctx, fmt.Sprintf(keyActions, campaignID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read action log: %v", err)
		}
		out := make([]types.ActionLogEntry, 0, len(raw))
		for _, item := range raw {
			var entry types.ActionLogEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal action entry: %v", err)
			}
			out = append(out, entry)
		}
		return out, nil
	})
}

// AppendEngagement records an engagement event; the dedupe key is held with
// a TTL so at-least-once webhook redelivery is collapsed.
func (s *RedisStorage) AppendEngagement(ctx context.Context, ev types.EngagementEvent) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		set, err := s.client.SetNX(ctx, keyDedupePrefix+ev.DedupeKey, 1, s.dedupeWindow).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check dedupe key: %v", err)
		}
		if !set {
			return false, nil
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return false, fmt.Errorf("failed to marshal engagement event %s: %v", ev.ID, err)
		}
		if err := s.client.RPush(ctx, fmt.Sprintf(keyEngagement, ev.TargetID), data).Err(); err != nil {
			return false, fmt.Errorf("failed to append engagement event: %v", err)
		}
		return true, nil
	})
}

// ListEngagement returns a target's engagement log in arrival order.
func (s *RedisStorage) ListEngagement(ctx context.Context, targetID string) ([]types.EngagementEvent, error) {
	return withContext(ctx, func() ([]types.EngagementEvent, error) {
		raw, err := s.client.LRange(ctx, fmt.Sprintf(keyEngagement, targetID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read engagement log: %v", err)
		}
		out := make([]types.EngagementEvent, 0, len(raw))
		for _, item := range raw {
			var ev types.EngagementEvent
			if err := json.Unmarshal([]byte(item), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal engagement event: %v", err)
			}
			out = append(out, ev)
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
