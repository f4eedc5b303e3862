// Package security implements the fabric's security plane: egress
// allowlist enforcement, security event collection, incident correlation,
// and automated response actions.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuawlim/kenny/core"
)

// EventKind classifies a security event.
type EventKind string

const (
	EventEgressAttempt   EventKind = "egress_attempt"
	EventDataAccess      EventKind = "data_access"
	EventPolicyViolation EventKind = "policy_violation"
	EventAuthFailure     EventKind = "auth_failure"
)

// Severity orders events and incidents for correlation and response.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[a] >= severityRank[b] {
		return a
	}
	return b
}

// SecurityEvent is one observed security-relevant occurrence.
type SecurityEvent struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Kind        EventKind              `json:"kind"`
	Severity    Severity               `json:"severity"`
	ServiceID   string                 `json:"service_id"`
	Destination string                 `json:"destination,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// NewEvent stamps an event with id and timestamp.
func NewEvent(kind EventKind, severity Severity, serviceID string) *SecurityEvent {
	return &SecurityEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  severity,
		ServiceID: serviceID,
	}
}

// EventLog is the append-only security event store.
type EventLog interface {
	Append(ctx context.Context, event *SecurityEvent) error
	Recent(ctx context.Context, since time.Time) ([]*SecurityEvent, error)
}

// MemoryEventLog keeps events in memory with a bounded retention window.
// It backs tests and deployments without Redis.
type MemoryEventLog struct {
	mu        sync.Mutex
	events    []*SecurityEvent
	retention time.Duration
}

// NewMemoryEventLog creates an in-memory log retaining events for the
// given window (default 24h).
func NewMemoryEventLog(retention time.Duration) *MemoryEventLog {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryEventLog{retention: retention}
}

func (l *MemoryEventLog) Append(ctx context.Context, event *SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.prune()
	return nil
}

func (l *MemoryEventLog) Recent(ctx context.Context, since time.Time) ([]*SecurityEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*SecurityEvent
	for _, e := range l.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryEventLog) prune() {
	cutoff := time.Now().Add(-l.retention)
	i := 0
	for ; i < len(l.events); i++ {
		if l.events[i].Timestamp.After(cutoff) {
			break
		}
	}
	l.events = l.events[i:]
}

// RedisEventLog persists events to the security Redis database as an
// append-only list, one key per calendar day.
type RedisEventLog struct {
	redis  *core.RedisClient
	logger core.Logger
}

// NewRedisEventLog creates a Redis-backed event log.
func NewRedisEventLog(redis *core.RedisClient, logger core.Logger) *RedisEventLog {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisEventLog{redis: redis, logger: logger}
}

func (l *RedisEventLog) dayKey(t time.Time) string {
	return l.redis.Key("events", t.UTC().Format("2006-01-02"))
}

func (l *RedisEventLog) Append(ctx context.Context, event *SecurityEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal security event: %w", err)
	}
	if err := l.redis.Underlying().RPush(ctx, l.dayKey(event.Timestamp), data).Err(); err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	// Day keys expire after 30 days.
	l.redis.Underlying().Expire(ctx, l.dayKey(event.Timestamp), 30*24*time.Hour)
	return nil
}

func (l *RedisEventLog) Recent(ctx context.Context, since time.Time) ([]*SecurityEvent, error) {
	var out []*SecurityEvent
	for day := since.UTC().Truncate(24 * time.Hour); !day.After(time.Now().UTC()); day = day.Add(24 * time.Hour) {
		raw, err := l.redis.Underlying().LRange(ctx, l.dayKey(day), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read security events: %w", err)
		}
		for _, item := range raw {
			var e SecurityEvent
			if err := json.Unmarshal([]byte(item), &e); err != nil {
				l.logger.Warn("Skipping corrupt security event", map[string]interface{}{
					"operation": "event_log_read",
					"error":     err.Error(),
				})
				continue
			}
			if !e.Timestamp.Before(since) {
				out = append(out, &e)
			}
		}
	}
	return out, nil
}
