package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quartzid/ssocore/pkg/sso"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("session key not found")

// Key prefixes separate the two kinds of state in a shared store.
const (
	flowKeyPrefix    = "ssoflow:"
	sessionKeyPrefix = "ssosession:"
)

// Store is the byte-level backend shared by the flow and session stores.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// FlowStore persists short-lived authentication flow state between
// initiation and callback. Flows are consumed exactly once: Load then Delete.
type FlowStore struct {
	store Store
	ttl   time.Duration
}

// NewFlowStore wraps a backend with flow semantics. ttl defaults to 10
// minutes.
func NewFlowStore(store Store, ttl time.Duration) *FlowStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &FlowStore{store: store, ttl: ttl}
}

// Save persists a flow under key.
func (s *FlowStore) Save(ctx context.Context, key string, flow *sso.FlowSession) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow session: %w", err)
	}
	return s.store.Set(ctx, flowKeyPrefix+key, data, s.ttl)
}

// Load retrieves a flow. Returns ErrNotFound for missing or expired keys.
func (s *FlowStore) Load(ctx context.Context, key string) (*sso.FlowSession, error) {
	data, err := s.store.Get(ctx, flowKeyPrefix+key)
	if err != nil {
		return nil, err
	}
	flow := &sso.FlowSession{}
	if err := json.Unmarshal(data, flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow session: %w", err)
	}
	return flow, nil
}

// Delete removes a flow. Deleting a missing key is not an error.
func (s *FlowStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, flowKeyPrefix+key)
}

// SessionStore persists authenticated SSO sessions.
type SessionStore struct {
	store Store
	ttl   time.Duration
}

// NewSessionStore wraps a backend with session semantics. ttl defaults to 8
// hours.
func NewSessionStore(store Store, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &SessionStore{store: store, ttl: ttl}
}

// TTL reports the configured session lifetime.
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// Save persists a session under session.Key.
func (s *SessionStore) Save(ctx context.Context, session *sso.SSOSession) error {
	if session == nil || session.Key == "" {
		return fmt.Errorf("session with a key is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.store.Set(ctx, sessionKeyPrefix+session.Key, data, s.ttl)
}

// Load retrieves a session. Returns ErrNotFound for missing or expired keys.
func (s *SessionStore) Load(ctx context.Context, key string) (*sso.SSOSession, error) {
	data, err := s.store.Get(ctx, sessionKeyPrefix+key)
	if err != nil {
		return nil, err
	}
	session := &sso.SSOSession{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

// Delete removes a session. Deleting a missing key is not an error.
func (s *SessionStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, sessionKeyPrefix+key)
}
