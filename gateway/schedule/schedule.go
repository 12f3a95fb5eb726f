// Package schedule implements delayed and recurring delivery. Rules whose
// delivery mode is not immediate carry a scheduling script; the planner
// evaluates it against the inbound event and persists one or more future
// firings. A tick loop claims due firings and pushes them through the
// delivery executor.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Status is the lifecycle state of a scheduled delivery.
	Status string

	// Delivery is one scheduled firing of a rule for an event. Recurring
	// rules materialize one Delivery per occurrence: occurrence n+1 is
	// created when occurrence n completes successfully.
	Delivery struct {
		// ID is the store-assigned identifier.
		ID string
		// Tenant owns the delivery.
		Tenant string
		// OrgUnit is the originating event's organizational unit.
		OrgUnit string
		// RuleID identifies the rule to fire.
		RuleID string
		// EventID references the originating event.
		EventID string
		// EventType is the originating event's business type.
		EventType string
		// Fingerprint is the originating event's dedup fingerprint.
		Fingerprint string
		// CorrelationID ties the firing back to the ingestion.
		CorrelationID string
		// Payload is the snapshot of the original event payload taken at
		// plan time. The transformation runs at fire time against this
		// snapshot.
		Payload json.RawMessage
		// DueAt is when the delivery should fire.
		DueAt time.Time
		// Status is the lifecycle state.
		Status Status
		// Recurring marks deliveries that reschedule on success.
		Recurring bool
		// Occurrence is the 1-based occurrence ordinal.
		Occurrence int
		// MaxOccurrences bounds recurring schedules. Zero means unbounded.
		MaxOccurrences int
		// Interval separates recurring occurrences.
		Interval time.Duration
		// Reason records why a delivery reached FAILED or CANCELLED.
		Reason string
		// CreatedAt is when the delivery was planned.
		CreatedAt time.Time
		// ClaimedAt is when the tick loop claimed the delivery.
		ClaimedAt time.Time
		// CompletedAt is when the delivery reached a terminal status.
		CompletedAt time.Time
	}

	// Filter selects deliveries for listing.
	Filter struct {
		Tenant string
		RuleID string
		Status Status
		// DueBefore restricts to deliveries due before the given time.
		DueBefore time.Time
		Cursor    string
		Limit     int
	}

	// Page is a forward page of deliveries.
	Page struct {
		Deliveries []*Delivery
		NextCursor string
	}

	// Store persists scheduled deliveries.
	Store interface {
		// Create stores a new delivery, assigning its ID.
		Create(ctx context.Context, d *Delivery) error

		// Get returns the delivery by ID or ErrNotFound.
		Get(ctx context.Context, id string) (*Delivery, error)

		// List returns a forward page of deliveries, soonest due first.
		List(ctx context.Context, f Filter) (Page, error)

		// ClaimDue atomically transitions up to limit PENDING deliveries
		// with DueAt <= now to PROCESSING and returns them, soonest due
		// first. Each delivery is claimed by exactly one caller.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)

		// Complete writes the terminal status of a claimed delivery.
		Complete(ctx context.Context, id string, status Status, at time.Time, reason string) error

		// Cancel transitions a PENDING delivery to CANCELLED. Claimed or
		// terminal deliveries return ErrNotPending.
		Cancel(ctx context.Context, id string, at time.Time, reason string) error

		// CancelOverdue cancels every PENDING delivery due before cutoff
		// and returns the number cancelled.
		CancelOverdue(ctx context.Context, cutoff time.Time, at time.Time, reason string) (int64, error)

		// ResetStuck returns PROCESSING deliveries claimed before cutoff to
		// PENDING so the next tick reclaims them. Returns the number reset.
		ResetStuck(ctx context.Context, cutoff time.Time) (int64, error)
	}
)

const (
	// StatusPending marks a delivery waiting for its due time.
	StatusPending Status = "PENDING"
	// StatusProcessing marks a delivery claimed by a tick loop.
	StatusProcessing Status = "PROCESSING"
	// StatusDone marks a fired delivery.
	StatusDone Status = "DONE"
	// StatusFailed marks a delivery whose firing failed.
	StatusFailed Status = "FAILED"
	// StatusCancelled marks a delivery cancelled before firing.
	StatusCancelled Status = "CANCELLED"
)

// DefaultGrace is how long past due a PENDING delivery may linger before the
// overdue cleanup cancels it.
const DefaultGrace = 24 * time.Hour

// ErrNotFound reports a missing delivery.
var ErrNotFound = errors.New("scheduled delivery not found")

// ErrNotPending reports a cancel attempt on a delivery that already left
// PENDING.
var ErrNotPending = errors.New("scheduled delivery is not pending")

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Overdue reports whether the delivery is PENDING past its due time plus
// grace. Overdue is a derived label, never a persisted status.
func (d *Delivery) Overdue(now time.Time, grace time.Duration) bool {
	if d.Status != StatusPending {
		return false
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return now.After(d.DueAt.Add(grace))
}

// LastOccurrence reports whether the delivery is the final occurrence of a
// bounded recurring schedule.
func (d *Delivery) LastOccurrence() bool {
	return !d.Recurring || (d.MaxOccurrences > 0 && d.Occurrence >= d.MaxOccurrences)
}
