// Package ledger owns the per-(subscriber, session) attendance state
// machine: NONE → OPEN → CLOSED, with CLOSED terminal. Every channel
// dispatcher funnels into the single Apply transition; the per-channel
// difference is reduced to a cross-session policy flag.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ams/internal/model"
)

// CrossSessionPolicy controls whether an open entry in another session
// of the organization blocks a new check-in.
type CrossSessionPolicy int

const (
	// AllowConcurrentSessions skips the cross-session check. The card
	// channel behaves this way; the asymmetry with QR/WiFi is observed
	// behavior kept on purpose until product decides otherwise.
	AllowConcurrentSessions CrossSessionPolicy = iota
	// ExclusiveAcrossSessions rejects a check-in while an open entry
	// exists in any other session.
	ExclusiveAcrossSessions
)

// Action labels the outcome of a transition.
type Action string

const (
	ActionCheckIn        Action = "CHECK_IN"
	ActionCheckOut       Action = "CHECK_OUT"
	ActionManualCheckOut Action = "MANUAL_CHECK_OUT"
)

var (
	// ErrAlreadyCompleted means a terminal entry exists for the pair;
	// there is no re-open through normal channels.
	ErrAlreadyCompleted = errors.New("attendance already completed for this session")
	// ErrConcurrentCheckIn surfaces a lost insert race detected by the
	// storage layer's open-entry uniqueness guarantee.
	ErrConcurrentCheckIn = errors.New("concurrent check-in detected")
	// ErrEntryNotFound is returned by the manual checkout path.
	ErrEntryNotFound = errors.New("attendance entry not found")
	// ErrEntryClosed rejects manual checkout of a terminal entry.
	ErrEntryClosed = errors.New("attendance entry is already checked out")
	// ErrWrongOrganization rejects manual checkout across tenants.
	ErrWrongOrganization = errors.New("attendance entry belongs to another organization")
)

// ConflictError reports an open entry in a different session blocking
// the check-in. It names the conflicting session so the client can
// tell the subscriber where to check out.
type ConflictError struct {
	SessionID   string
	SessionName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("already checked in to session %q; check out first", e.SessionName)
}

// Store is the persistence the ledger reads and writes. Insert must
// reject a second open entry for the same (subscriber, session) with
// ErrConcurrentCheckIn.
type Store interface {
	OpenEntry(ctx context.Context, subscriberID, sessionID string) (*model.LogEntry, error)
	HasCompletedEntry(ctx context.Context, subscriberID, sessionID string) (bool, error)
	// OpenEntryAnywhere returns the most recent open entry for the
	// subscriber across all sessions, with its session.
	OpenEntryAnywhere(ctx context.Context, subscriberID string) (*model.LogEntry, *model.Session, error)
	InsertEntry(ctx context.Context, entry model.LogEntry) (model.LogEntry, error)
	CloseEntry(ctx context.Context, entryID string, at time.Time, method model.Method) error
	EntryByID(ctx context.Context, id string) (*model.LogEntry, error)
	SessionByID(ctx context.Context, id string) (*model.Session, error)
}

// Result is a completed transition.
type Result struct {
	Action Action
	Entry  model.LogEntry
}

// Ledger applies attendance transitions. A per-subscriber mutex closes
// the read-then-write race between the open-entry lookup and the
// insert; the lock covers only the transition itself, never the
// biometric matcher or any other slow collaborator.
type Ledger struct {
	store Store
	locks keyedMutex
	now   func() time.Time
}

// New creates a ledger. now may be nil for time.Now.
func New(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Evidence carries the transition inputs beyond identity and session.
type Evidence struct {
	Method       model.Method
	DeviceInfo   string
	LocationInfo string
}

// Apply runs the transition for a resolved (subscriber, session):
//
//  1. open entry for the pair   → checkout
//  2. terminal entry for pair   → ErrAlreadyCompleted
//  3. open entry elsewhere      → ConflictError (exclusive policy only)
//  4. otherwise                 → new open entry
func (l *Ledger) Apply(ctx context.Context, subscriberID string, session model.Session, ev Evidence, policy CrossSessionPolicy) (Result, error) {
	unlock := l.locks.lock(subscriberID)
	defer unlock()

	now := l.now()

	open, err := l.store.OpenEntry(ctx, subscriberID, session.ID)
	if err != nil {
		return Result{}, err
	}
	if open != nil {
		if err := l.store.CloseEntry(ctx, open.ID, now, ev.Method); err != nil {
			return Result{}, err
		}
		closed := *open
		closed.CheckOutTime = &now
		method := ev.Method
		closed.CheckOutMethod = &method
		return Result{Action: ActionCheckOut, Entry: closed}, nil
	}

	completed, err := l.store.HasCompletedEntry(ctx, subscriberID, session.ID)
	if err != nil {
		return Result{}, err
	}
	if completed {
		return Result{}, ErrAlreadyCompleted
	}

	if policy == ExclusiveAcrossSessions {
		elsewhere, elsewhereSession, err := l.store.OpenEntryAnywhere(ctx, subscriberID)
		if err != nil {
			return Result{}, err
		}
		if elsewhere != nil && elsewhere.SessionID != session.ID {
			conflict := &ConflictError{SessionID: elsewhere.SessionID}
			if elsewhereSession != nil {
				conflict.SessionName = elsewhereSession.Name
			}
			return Result{}, conflict
		}
	}

	entry := model.LogEntry{
		ID:            uuid.NewString(),
		SubscriberID:  subscriberID,
		SessionID:     session.ID,
		CheckInTime:   now,
		CheckInMethod: ev.Method,
		DeviceInfo:    ev.DeviceInfo,
		LocationInfo:  ev.LocationInfo,
	}
	saved, err := l.store.InsertEntry(ctx, entry)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: ActionCheckIn, Entry: saved}, nil
}

// ManualCheckout force-closes an open entry with method MANUAL. It
// bypasses channel validation and the cross-session policy but still
// rejects terminal entries and cross-tenant access.
func (l *Ledger) ManualCheckout(ctx context.Context, entryID, entityID string) (Result, error) {
	entry, err := l.store.EntryByID(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		return Result{}, ErrEntryNotFound
	}

	session, err := l.store.SessionByID(ctx, entry.SessionID)
	if err != nil {
		return Result{}, err
	}
	if session == nil || session.EntityID != entityID {
		return Result{}, ErrWrongOrganization
	}

	unlock := l.locks.lock(entry.SubscriberID)
	defer unlock()

	// Re-read under the lock; a channel checkout may have won the race.
	entry, err = l.store.EntryByID(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		return Result{}, ErrEntryNotFound
	}
	if entry.CheckOutTime != nil {
		return Result{}, ErrEntryClosed
	}

	now := l.now()
	if err := l.store.CloseEntry(ctx, entry.ID, now, model.MethodManual); err != nil {
		return Result{}, err
	}
	closed := *entry
	closed.CheckOutTime = &now
	method := model.MethodManual
	closed.CheckOutMethod = &method
	return Result{Action: ActionManualCheckOut, Entry: closed}, nil
}

// keyedMutex serializes transitions per subscriber. Keys are retained
// for the process lifetime; the map is bounded by the number of
// distinct subscribers seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
