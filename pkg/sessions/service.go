// Package sessions persists the shared session records in the coordination
// store. The worker-side orchestrator owns the authoritative in-worktree
// state files; these records are the fleet-visible mirror.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// SessionTTL is how long a session record survives after its last update.
const SessionTTL = 24 * time.Hour

// ErrInvalidTransition indicates a status update that violates the
// forward-only lifecycle.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Service reads and writes session records.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a session service backed by the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Save writes the full session record, refreshing its TTL.
func (s *Service) Save(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = s.now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	return s.store.Set(ctx, store.SessionKey(session.ID), string(data), SessionTTL)
}

// Get returns the session record, or (nil, nil) when it does not exist.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.store.Get(ctx, store.SessionKey(sessionID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", sessionID, err)
	}
	return &session, nil
}

// UpdateStatus transitions the session's status, enforcing the forward-only
// lifecycle. mutate, when non-nil, is applied before saving.
func (s *Service) UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus, mutate func(*models.Session)) (*models.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	if !models.CanTransition(session.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, status)
	}
	session.Status = status
	if status == models.SessionStatusClaimed {
		now := s.now()
		session.ClaimedAt = &now
	}
	if mutate != nil {
		mutate(session)
	}
	return session, s.Save(ctx, session)
}

// Mutate applies fn to the session and saves it, leaving the status alone.
func (s *Service) Mutate(ctx context.Context, sessionID string, fn func(*models.Session)) (*models.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	fn(session)
	return session, s.Save(ctx, session)
}

// ResetForRequeue clears worker ownership and returns the session to pending.
func (s *Service) ResetForRequeue(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	session.ResetForRequeue(s.now())
	return session, s.Save(ctx, session)
}

// List returns all live session records. Scan-based; acceptable for typical
// session counts.
func (s *Service) List(ctx context.Context) ([]*models.Session, error) {
	keys, err := s.store.Keys(ctx, store.SessionKey("*"))
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var session models.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			continue
		}
		out = append(out, &session)
	}
	return out, nil
}

// FindByPublicID resolves a hashed public session id back to the session.
// Linear scan over live sessions.
func (s *Service) FindByPublicID(ctx context.Context, salt, publicID string) (*models.Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range all {
		if models.HashSessionID(salt, session.ID) == strings.ToLower(publicID) {
			return session, nil
		}
	}
	return nil, nil
}
