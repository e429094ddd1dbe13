package models

import (
	"fmt"
	"sort"
	"time"
)

// DefaultBuildTimeout applies when neither the builder configuration nor the
// request sets one.
const DefaultBuildTimeout = 3 * time.Hour

// BuilderConfig is the per-builder slice of a scope's configuration.
type BuilderConfig struct {
	Name string `json:"name"`

	// BuildNumbers opts the builder into sequential human-readable numbers.
	BuildNumbers bool `json:"build_numbers"`

	TimeoutSeconds int64    `json:"timeout_seconds,omitempty"`
	Dimensions     []string `json:"dimensions,omitempty"`

	// ExperimentPercent is the share of builds marked experimental,
	// compared against the request's canary roll.
	ExperimentPercent int `json:"experiment_percent,omitempty"`
}

// ScopeConfig is one bucket's configuration, fetched in batch during
// admission. Loading and versioning of configs is the provider's concern.
type ScopeConfig struct {
	Scope    string                    `json:"scope"`
	Revision string                    `json:"revision,omitempty"`
	Builders map[string]*BuilderConfig `json:"builders"`
}

// Builder looks up a builder's configuration within the scope.
func (c *ScopeConfig) Builder(name string) (*BuilderConfig, bool) {
	b, ok := c.Builders[name]
	return b, ok
}

// Merge materializes a build from a validated request and the builder's
// configuration. It is pure: the same config and request always produce the
// same build, so defaulting is unit-testable without a store. Identity,
// numbering, and timestamps are assigned by the caller afterwards.
func (c *BuilderConfig) Merge(req *BuildRequest) (*Build, error) {
	tags, err := NormalizeTags(req.Tags)
	if err != nil {
		return nil, err
	}

	timeout := c.TimeoutSeconds
	if timeout == 0 {
		timeout = int64(DefaultBuildTimeout / time.Second)
	}

	dims := append([]string(nil), c.Dimensions...)
	sort.Strings(dims)

	return &Build{
		Scope:          req.Scope,
		Builder:        req.Builder,
		Status:         BuildStatusScheduled,
		Tags:           tags,
		TimeoutSeconds: timeout,
		Dimensions:     dims,
		Experimental:   req.CanaryRoll < c.ExperimentPercent,
		RetryOf:        req.RetryOf,
	}, nil
}

// SequenceName returns the counter name used for the builder's build numbers.
func SequenceName(scope, builder string) string {
	return fmt.Sprintf("%s/%s", scope, builder)
}

// BuildAddress returns the human-readable address tag value for a numbered
// build.
func BuildAddress(scope, builder string, number int64) string {
	return fmt.Sprintf("%s/%s/%d", scope, builder, number)
}
