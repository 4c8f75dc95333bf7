// Package session defines the session record owned by the durable store and
// the contract durable stores implement.
//
// A Session is created active and moves at most once to a terminal status
// (completed or error). Its turn count never decreases. The durable store holds
// the authoritative value; caches only ever hold copies.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Session is the durable record of a conversational session.
	Session struct {
		// ID is the immutable session identifier.
		ID string `json:"id"`
		// Model identifies the model the session runs against.
		Model string `json:"model"`
		// Status is the lifecycle state.
		Status Status `json:"status"`
		// TotalTurns counts completed turns. Never decreases.
		TotalTurns int `json:"total_turns"`
		// TotalCost is the accumulated cost, nil until first reported.
		TotalCost *float64 `json:"total_cost,omitempty"`
		// ParentID references the session this one was forked from.
		ParentID string `json:"parent_id,omitempty"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last durable write.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Update describes a requested mutation. Nil fields are left unchanged.
	Update struct {
		// Status overwrites the status, subject to transition rules.
		Status *Status
		// TotalCost overwrites the accumulated cost.
		TotalCost *float64
		// IncrementTurns adds one to TotalTurns.
		IncrementTurns bool
	}

	// Fields is the partial set of columns written by Store.Update.
	Fields struct {
		Status     *Status
		TotalTurns *int
		TotalCost  *float64
		UpdatedAt  time.Time
	}

	// Store persists sessions durably. Implementations must be safe for
	// concurrent use and must wrap connectivity failures with
	// ErrStoreUnavailable.
	Store interface {
		// Create inserts s. Returns ErrSessionExists when the ID is taken.
		Create(ctx context.Context, s Session) (Session, error)
		// Get loads a session. Returns ErrSessionNotFound when absent.
		Get(ctx context.Context, id string) (Session, error)
		// Update writes the non-nil fields and returns the stored session.
		// Returns ErrSessionNotFound when absent.
		Update(ctx context.Context, id string, fields Fields) (Session, error)
	}

	// Status is the lifecycle state of a session.
	Status string
)

const (
	// StatusActive marks a session that can still accept turns.
	StatusActive Status = "active"
	// StatusCompleted marks a session that finished normally. Terminal.
	StatusCompleted Status = "completed"
	// StatusError marks a session that failed. Terminal.
	StatusError Status = "error"
)

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a create collided with an existing ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidTransition indicates a status change not allowed by the lifecycle.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrSessionTerminal indicates a turn increment on a terminal session.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrStoreUnavailable indicates the durable store could not be reached.
	ErrStoreUnavailable = errors.New("durable store unavailable")
)

// New returns an active session with zero turns created at now.
func New(id, model, parentID string, now time.Time) Session {
	now = now.UTC()
	return Session{
		ID:        id,
		Model:     model,
		Status:    StatusActive,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether a session in status from may move to to.
// Re-asserting the current status is always allowed.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return from == StatusActive
}

// Apply computes the session resulting from u and the fields that must be
// written to the durable store. s is not modified.
func (s Session) Apply(u Update, now time.Time) (Session, Fields, error) {
	out := s
	fields := Fields{UpdatedAt: now.UTC()}
	if u.Status != nil {
		if !CanTransition(s.Status, *u.Status) {
			return s, Fields{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, *u.Status)
		}
		st := *u.Status
		out.Status = st
		fields.Status = &st
	}
	if u.IncrementTurns {
		if s.Status.Terminal() {
			return s, Fields{}, fmt.Errorf("%w: %s", ErrSessionTerminal, s.Status)
		}
		turns := s.TotalTurns + 1
		out.TotalTurns = turns
		fields.TotalTurns = &turns
	}
	if u.TotalCost != nil {
		cost := *u.TotalCost
		out.TotalCost = &cost
		fields.TotalCost = &cost
	}
	out.UpdatedAt = fields.UpdatedAt
	return out, fields, nil
}

// ApplyFields writes the non-nil fields onto s. Stores use it to keep their
// in-memory view consistent with what they persisted.
func (s Session) ApplyFields(f Fields) Session {
	if f.Status != nil {
		s.Status = *f.Status
	}
	if f.TotalTurns != nil {
		s.TotalTurns = *f.TotalTurns
	}
	if f.TotalCost != nil {
		cost := *f.TotalCost
		s.TotalCost = &cost
	}
	if !f.UpdatedAt.IsZero() {
		s.UpdatedAt = f.UpdatedAt.UTC()
	}
	return s
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	if s.TotalCost != nil {
		cost := *s.TotalCost
		s.TotalCost = &cost
	}
	return s
}

// StatusPtr returns a pointer to st, for building Update values.
func StatusPtr(st Status) *Status { return &st }

// CostPtr returns a pointer to c, for building Update values.
func CostPtr(c float64) *float64 { return &c }
