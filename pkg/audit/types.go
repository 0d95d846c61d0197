package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthInitiated EventType = "sso.auth_initiated"
	EventTypeAuthSucceeded EventType = "sso.auth_succeeded"
	EventTypeAuthFailed    EventType = "sso.auth_failed"
	EventTypeReplayBlocked EventType = "sso.replay_blocked"

	// Logout events
	EventTypeLogoutInitiated EventType = "sso.logout_initiated"
	EventTypeLogoutCompleted EventType = "sso.logout_completed"

	// Configuration events
	EventTypeConfigUpdated EventType = "sso.config_updated"
	EventTypeConfigDeleted EventType = "sso.config_deleted"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// Event is one audit record. User-facing error detail is deliberately not
// carried here; Reason holds only the failure category.
type Event struct {
	Timestamp      time.Time   `json:"timestamp"`
	Type           EventType   `json:"type"`
	Status         EventStatus `json:"status"`
	OrganizationID string      `json:"organization_id,omitempty"`
	Protocol       string      `json:"protocol,omitempty"`
	ExternalID     string      `json:"external_id,omitempty"`
	Email          string      `json:"email,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	RequestID      string      `json:"request_id,omitempty"`
	IPAddress      string      `json:"ip_address,omitempty"`
	UserAgent      string      `json:"user_agent,omitempty"`
}
