package services

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var eventTypePattern = regexp.MustCompile(`^[a-z_]+\.[a-z_]+$`)

// DomainEvent is an occurrence published by another module of the platform.
type DomainEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	TenantID   string                 `json:"tenant_id"`
	UserID     string                 `json:"user_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// NewDomainEvent fills in the ID and timestamp.
func NewDomainEvent(tenantID, eventType, entityType, entityID string, metadata map[string]interface{}) *DomainEvent {
	return &DomainEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		TenantID:   tenantID,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}
}

// Validate checks the fields every consumer relies on. event_type must look
// like "<module>.<action>".
func (e *DomainEvent) Validate() error {
	if e == nil {
		return errors.New("event required")
	}
	if e.EventID == "" {
		return errors.New("event_id required")
	}
	if e.TenantID == "" {
		return errors.New("tenant_id required")
	}
	if !eventTypePattern.MatchString(e.EventType) {
		return fmt.Errorf("event_type must match '<module>.<action>', got %q", e.EventType)
	}
	return nil
}

// Tree exposes the event as the root object conditions are resolved against.
func (e *DomainEvent) Tree() Value {
	root := map[string]interface{}{
		"event_id":    e.EventID,
		"event_type":  e.EventType,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"tenant_id":   e.TenantID,
		"timestamp":   e.Timestamp,
		"metadata":    e.Metadata,
	}
	if e.UserID != "" {
		root["user_id"] = e.UserID
	}
	if e.Metadata == nil {
		root["metadata"] = map[string]interface{}{}
	}
	return ValueOf(root)
}
