package models

import (
	"errors"
	"fmt"
	"strings"
)

// Request validation errors.
var (
	ErrInvalidScope   = errors.New("invalid scope")
	ErrInvalidBuilder = errors.New("invalid builder")
)

// BuildRequest is the validated input to admission. It is transient: never
// persisted as such.
type BuildRequest struct {
	// Scope is the target bucket, "project/bucket".
	Scope   string `json:"scope"`
	Builder string `json:"builder"`

	Tags []string `json:"tags,omitempty"`

	// IdempotencyToken deduplicates retried submissions. Empty disables
	// deduplication for this request.
	IdempotencyToken string `json:"idempotency_token,omitempty"`

	// RetryOf optionally points at an earlier build this one retries.
	RetryOf uint64 `json:"retry_of,omitempty"`

	// Lease requests an immediate lease at creation time.
	Lease          bool  `json:"lease,omitempty"`
	LeaseExpirySec int64 `json:"lease_expiry_sec,omitempty"`

	// CanaryRoll is a caller-provided value in [0, 100) rolled once per
	// request; the configuration merge compares it against the scope's
	// experiment percentage. Keeping the roll outside the merge keeps the
	// merge deterministic.
	CanaryRoll int `json:"-"`
}

// Validate checks the request's form. Scope configuration checks happen later
// during admission.
func (r *BuildRequest) Validate() error {
	if !validScope(r.Scope) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, r.Scope)
	}
	if r.Builder == "" || strings.ContainsAny(r.Builder, "/: ") {
		return fmt.Errorf("%w: %q", ErrInvalidBuilder, r.Builder)
	}
	if _, err := NormalizeTags(r.Tags); err != nil {
		return err
	}
	return nil
}

func validScope(scope string) bool {
	project, bucket, ok := strings.Cut(scope, "/")
	return ok && project != "" && bucket != "" && !strings.Contains(bucket, "/")
}
