package security

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuawlim/kenny/core"
)

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

// Incident is a correlated group of security events.
type Incident struct {
	IncidentID  string           `json:"incident_id"`
	ServiceID   string           `json:"service_id"`
	Kind        EventKind        `json:"kind"`
	Severity    Severity         `json:"severity"`
	Status      IncidentStatus   `json:"status"`
	WindowStart time.Time        `json:"window_start"`
	Events      []*SecurityEvent `json:"events"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

const incidentThreshold = 3

// Correlator groups events by (service_id, kind) over a rolling window.
// The third matching event inside one window creates exactly one incident;
// further matching events mutate that incident instead of opening another.
type Correlator struct {
	window time.Duration
	logger core.Logger

	mu        sync.Mutex
	pending   map[correlationKey][]*SecurityEvent
	open      map[correlationKey]*Incident
	incidents map[string]*Incident
}

type correlationKey struct {
	serviceID string
	kind      EventKind
}

// NewCorrelator creates a correlator with the given window (default 30m).
func NewCorrelator(window time.Duration, logger core.Logger) *Correlator {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Correlator{
		window:    window,
		logger:    logger,
		pending:   make(map[correlationKey][]*SecurityEvent),
		open:      make(map[correlationKey]*Incident),
		incidents: make(map[string]*Incident),
	}
}

// Observe feeds one event in. It returns the incident the event belongs to
// (nil below threshold) and whether this call created it.
func (c *Correlator) Observe(event *SecurityEvent) (*Incident, bool) {
	key := correlationKey{serviceID: event.ServiceID, kind: event.Kind}
	cutoff := event.Timestamp.Add(-c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	// An open unresolved incident inside its window absorbs the event.
	if inc, ok := c.open[key]; ok {
		if inc.Status != IncidentResolved && event.Timestamp.Before(inc.WindowStart.Add(c.window)) {
			inc.Events = append(inc.Events, event)
			inc.Severity = MaxSeverity(inc.Severity, event.Severity)
			inc.UpdatedAt = event.Timestamp
			return inc, false
		}
		delete(c.open, key)
	}

	kept := c.pending[key][:0]
	for _, e := range c.pending[key] {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, event)
	c.pending[key] = kept

	if len(kept) < incidentThreshold {
		return nil, false
	}

	inc := &Incident{
		IncidentID:  uuid.New().String(),
		ServiceID:   event.ServiceID,
		Kind:        event.Kind,
		Status:      IncidentOpen,
		WindowStart: kept[0].Timestamp,
		Events:      append([]*SecurityEvent(nil), kept...),
		CreatedAt:   event.Timestamp,
		UpdatedAt:   event.Timestamp,
	}
	for _, e := range kept {
		inc.Severity = MaxSeverity(inc.Severity, e.Severity)
	}
	c.open[key] = inc
	c.incidents[inc.IncidentID] = inc
	delete(c.pending, key)

	c.logger.Warn("Security incident opened", map[string]interface{}{
		"operation":   "incident_open",
		"incident_id": inc.IncidentID,
		"service_id":  inc.ServiceID,
		"kind":        string(inc.Kind),
		"severity":    string(inc.Severity),
		"events":      len(inc.Events),
	})
	return inc, true
}

// Get returns an incident by id.
func (c *Correlator) Get(incidentID string) (*Incident, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inc, ok := c.incidents[incidentID]
	return inc, ok
}

// List returns all incidents, open first.
func (c *Correlator) List() []*Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		if inc.Status != IncidentResolved {
			out = append(out, inc)
		}
	}
	for _, inc := range c.incidents {
		if inc.Status == IncidentResolved {
			out = append(out, inc)
		}
	}
	return out
}

// Acknowledge moves an open incident to acknowledged.
func (c *Correlator) Acknowledge(incidentID string) bool {
	return c.transition(incidentID, IncidentOpen, IncidentAcknowledged)
}

// Resolve closes an incident; its correlation key is freed for future
// windows.
func (c *Correlator) Resolve(incidentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	inc, ok := c.incidents[incidentID]
	if !ok || inc.Status == IncidentResolved {
		return false
	}
	inc.Status = IncidentResolved
	inc.UpdatedAt = time.Now()
	delete(c.open, correlationKey{serviceID: inc.ServiceID, kind: inc.Kind})
	return true
}

// Escalate raises incident severity by one step.
func (c *Correlator) Escalate(incidentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	inc, ok := c.incidents[incidentID]
	if !ok || inc.Status == IncidentResolved {
		return false
	}
	switch inc.Severity {
	case SeverityInfo:
		inc.Severity = SeverityLow
	case SeverityLow:
		inc.Severity = SeverityMedium
	case SeverityMedium:
		inc.Severity = SeverityHigh
	case SeverityHigh:
		inc.Severity = SeverityCritical
	}
	inc.UpdatedAt = time.Now()
	return true
}

func (c *Correlator) transition(incidentID string, from, to IncidentStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	inc, ok := c.incidents[incidentID]
	if !ok || inc.Status != from {
		return false
	}
	inc.Status = to
	inc.UpdatedAt = time.Now()
	return true
}
