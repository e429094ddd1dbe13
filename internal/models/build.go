// Package models defines the core entities of the build queue.
package models

import (
	"fmt"
	"time"
)

// BuildStatus represents the current state of a build.
type BuildStatus string

const (
	// BuildStatusScheduled is the initial state: accepted, waiting for a worker.
	BuildStatusScheduled BuildStatus = "SCHEDULED"
	// BuildStatusStarted means a worker holds the lease and has begun work.
	BuildStatusStarted BuildStatus = "STARTED"
	// BuildStatusSuccess is the terminal state for a successful build.
	BuildStatusSuccess BuildStatus = "SUCCESS"
	// BuildStatusFailure is the terminal state for a build that failed.
	BuildStatusFailure BuildStatus = "FAILURE"
	// BuildStatusInfraFailure is the terminal state for an infrastructure failure.
	BuildStatusInfraFailure BuildStatus = "INFRA_FAILURE"
	// BuildStatusCanceled is the terminal state for a canceled build.
	BuildStatusCanceled BuildStatus = "CANCELED"
)

// Terminal reports whether the status is a final one.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusFailure, BuildStatusInfraFailure, BuildStatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusScheduled, BuildStatusStarted,
		BuildStatusSuccess, BuildStatusFailure, BuildStatusInfraFailure, BuildStatusCanceled:
		return true
	}
	return false
}

// Build is the central entity: one scheduled unit of work and its history.
//
// A Build is mutated only inside single-row store transactions. The tag index
// and the search engine hold build ids, never authoritative copies of these
// fields.
type Build struct {
	// ID is the time-ordered 64-bit identifier. The high bits carry an
	// inverted creation timestamp, so newer builds sort first under
	// ascending-id scans.
	ID uint64 `json:"id"`

	Scope   string `json:"scope"`
	Builder string `json:"builder"`

	// Number is the optional human-readable sequence number, assigned only
	// when the builder's configuration opts into numbering. Zero means
	// unnumbered.
	Number int64 `json:"number,omitempty"`

	Status    BuildStatus `json:"status"`
	Tags      []string    `json:"tags,omitempty"`
	CreatedBy string      `json:"created_by"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Lease fields. LeaseKey is non-empty iff the build is currently leased.
	LeaseKey       string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	EverLeased     bool       `json:"ever_leased,omitempty"`

	ProgressURL string `json:"progress_url,omitempty"`

	// ResultPayload carries the worker's terminal output once the build
	// reaches a terminal status. Opaque to this core.
	ResultPayload string `json:"result_payload,omitempty"`
	Summary       string `json:"summary,omitempty"`

	// TimeoutSeconds and Dimensions come from the scope configuration merge.
	TimeoutSeconds int64    `json:"timeout_seconds,omitempty"`
	Dimensions     []string `json:"dimensions,omitempty"`
	Experimental   bool     `json:"experimental,omitempty"`

	// RetryOf points at the build this one retries, if any.
	RetryOf uint64 `json:"retry_of,omitempty"`
}

// Leased reports whether the build currently carries a lease.
func (b *Build) Leased() bool {
	return b.LeaseKey != ""
}

// ClearLease drops all lease fields.
func (b *Build) ClearLease() {
	b.LeaseKey = ""
	b.LeaseExpiresAt = nil
	b.LeasedBy = ""
}

// CheckInvariants verifies the structural invariants of a build row. The
// store fake uses it on every write; production paths uphold these by
// construction.
func (b *Build) CheckInvariants() error {
	if !b.Status.Valid() {
		return fmt.Errorf("invalid status %q", b.Status)
	}
	if b.Status.Terminal() {
		if b.EndedAt == nil {
			return fmt.Errorf("terminal build %d has no end time", b.ID)
		}
		if b.Leased() {
			return fmt.Errorf("terminal build %d still holds a lease", b.ID)
		}
	}
	if b.Status == BuildStatusStarted && b.StartedAt == nil {
		return fmt.Errorf("started build %d has no start time", b.ID)
	}
	if (b.LeaseKey != "") != (b.LeaseExpiresAt != nil) {
		return fmt.Errorf("build %d lease key and expiration out of sync", b.ID)
	}
	return nil
}

// Clone returns a deep copy of the build.
func (b *Build) Clone() *Build {
	c := *b
	c.Tags = append([]string(nil), b.Tags...)
	c.Dimensions = append([]string(nil), b.Dimensions...)
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.EndedAt != nil {
		t := *b.EndedAt
		c.EndedAt = &t
	}
	if b.LeaseExpiresAt != nil {
		t := *b.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}
