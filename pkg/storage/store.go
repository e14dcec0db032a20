// Package storage keeps the latest pump command of every session so the
// command can be served to the pump driver and checked for freshness.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/microdose/pkg/decision"
)

// Record is the latest command of a session.
type Record struct {
	Session    string           `json:"session"`
	DecisionID string           `json:"decisionId"`
	DecidedAt  time.Time        `json:"decidedAt"`
	Command    decision.Command `json:"command"`
	Faults     []decision.Fault `json:"faults,omitempty"`
}

// FromDecision builds the Record of d.
func FromDecision(d decision.Decision, c decision.Command) Record {
	return Record{
		Session:    d.Session,
		DecisionID: d.ID,
		DecidedAt:  d.At,
		Command:    c,
		Faults:     d.Faults,
	}
}

// Age returns how old the record is at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.DecidedAt)
}

// Store holds one Record per session; Put replaces the previous one.
type Store interface {
	Put(ctx context.Context, r Record) error
	GetLatest(ctx context.Context, session string) (Record, bool, error)
}

// ValidateSession rejects session names that are empty or unsafe as a key
// suffix. Letters, digits, hyphens and underscores are allowed.
func ValidateSession(session string) error {
	if session == "" {
		return errors.New("session name required")
	}
	for _, c := range session {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid session name %q: only alphanumeric, hyphens, and underscores allowed", session)
		}
	}
	return nil
}
