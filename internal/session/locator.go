// Package session finds the attendance session a check-in event
// targets, either by explicit id or by picking the best active session
// for the organization and channel.
package session

import (
	"context"
	"errors"
	"time"

	"ams/internal/model"
)

var (
	// ErrNotFound covers both a missing session and an id the caller's
	// organization does not own when ownership cannot be stated.
	ErrNotFound = errors.New("session not found")
	// ErrWrongOrganization means the session exists but belongs to a
	// different organization than the caller.
	ErrWrongOrganization = errors.New("session does not belong to this organization")
	// ErrEnded means the session's end time has been set.
	ErrEnded = errors.New("session has already ended")
	// ErrNoActive means no active session accepts the channel.
	ErrNoActive = errors.New("no active session")
)

// Store is the session persistence the locator reads from.
type Store interface {
	SessionByID(ctx context.Context, id string) (*model.Session, error)
	// ActiveSessions returns sessions of the organization with
	// start_time <= now and end_time null.
	ActiveSessions(ctx context.Context, entityID string) ([]model.Session, error)
}

// Locator selects target sessions.
type Locator struct {
	store Store
	now   func() time.Time
}

// NewLocator creates a locator. now may be nil for time.Now.
func NewLocator(store Store, now func() time.Time) *Locator {
	if now == nil {
		now = time.Now
	}
	return &Locator{store: store, now: now}
}

// Locate resolves the target session for an organization and channel.
// With an explicit id the session must belong to the organization and
// must not have ended. Without one, the active session with the latest
// start time whose allowed-method set includes the channel wins.
func (l *Locator) Locate(ctx context.Context, entityID string, method model.Method, explicitID string) (model.Session, error) {
	if explicitID != "" {
		return l.locateExplicit(ctx, entityID, explicitID)
	}

	sessions, err := l.store.ActiveSessions(ctx, entityID)
	if err != nil {
		return model.Session{}, err
	}

	now := l.now()
	var best *model.Session
	for i := range sessions {
		s := sessions[i]
		if !s.ActiveAt(now) || !s.Allows(method) {
			continue
		}
		if best == nil || s.StartTime.After(best.StartTime) ||
			(s.StartTime.Equal(best.StartTime) && s.ID > best.ID) {
			best = &sessions[i]
		}
	}
	if best == nil {
		return model.Session{}, ErrNoActive
	}
	return *best, nil
}

func (l *Locator) locateExplicit(ctx context.Context, entityID, id string) (model.Session, error) {
	s, err := l.store.SessionByID(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if s == nil {
		return model.Session{}, ErrNotFound
	}
	if s.EntityID != entityID {
		return model.Session{}, ErrWrongOrganization
	}
	if s.EndTime != nil {
		return model.Session{}, ErrEnded
	}
	return *s, nil
}
