package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joshuawlim/kenny/core"
)

// RecordStore persists the durable part of a Record so the registry can
// recover routing state after a restart. Health rings are rebuilt by
// polling and are not persisted.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	Remove(ctx context.Context, agentID string) error
	LoadAll(ctx context.Context) ([]*Record, error)
}

// persistedRecord is the wire form of a Record's durable fields.
type persistedRecord struct {
	Manifest       *core.AgentManifest `json:"manifest"`
	BaseURL        string              `json:"base_url"`
	HealthEndpoint string              `json:"health_endpoint"`
	RegisteredAt   time.Time           `json:"registered_at"`
}

// RedisRecordStore keeps one key per agent in the registry Redis database.
type RedisRecordStore struct {
	redis  *core.RedisClient
	logger core.Logger
}

// NewRedisRecordStore creates a store over an existing Redis client.
func NewRedisRecordStore(redis *core.RedisClient, logger core.Logger) *RedisRecordStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisRecordStore{redis: redis, logger: logger}
}

func (s *RedisRecordStore) recordKey(agentID string) string {
	return s.redis.Key("agents", agentID)
}

func (s *RedisRecordStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(persistedRecord{
		Manifest:       rec.Manifest,
		BaseURL:        rec.BaseURL,
		HealthEndpoint: rec.HealthEndpoint,
		RegisteredAt:   rec.RegisteredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal registry record: %w", err)
	}
	return s.redis.Set(ctx, s.recordKey(rec.Manifest.AgentID), string(data), 0)
}

func (s *RedisRecordStore) Remove(ctx context.Context, agentID string) error {
	return s.redis.Delete(ctx, s.recordKey(agentID))
}

func (s *RedisRecordStore) LoadAll(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := s.redis.Scan(ctx, s.redis.Key("agents")+":*", func(keys []string) error {
		for _, key := range keys {
			raw, err := s.redis.Get(ctx, key)
			if err != nil {
				return err
			}
			if raw == "" {
				continue
			}
			var pr persistedRecord
			if err := json.Unmarshal([]byte(raw), &pr); err != nil {
				s.logger.Warn("Skipping corrupt registry record", map[string]interface{}{
					"operation": "store_load",
					"key":       key,
					"error":     err.Error(),
				})
				continue
			}
			rec := newRecord(pr.Manifest, pr.BaseURL, pr.HealthEndpoint)
			rec.RegisteredAt = pr.RegisteredAt
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load registry records: %w", err)
	}
	return records, nil
}

// MemoryRecordStore is the no-persistence fallback for tests and
// deployments without Redis.
type MemoryRecordStore struct {
	records map[string]*Record
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*Record)}
}

func (s *MemoryRecordStore) Save(ctx context.Context, rec *Record) error {
	s.records[rec.Manifest.AgentID] = rec
	return nil
}

func (s *MemoryRecordStore) Remove(ctx context.Context, agentID string) error {
	delete(s.records, agentID)
	return nil
}

func (s *MemoryRecordStore) LoadAll(ctx context.Context) ([]*Record, error) {
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
