package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tag-related errors.
var (
	// ErrMalformedTag is returned for tags that are not "key:value".
	ErrMalformedTag = errors.New("malformed tag")
)

// ParseTag splits a "key:value" tag. The value may itself contain colons.
func ParseTag(tag string) (key, value string, err error) {
	key, value, ok := strings.Cut(tag, ":")
	if !ok || key == "" || value == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTag, tag)
	}
	return key, value, nil
}

// NormalizeTags validates, sorts, and deduplicates a tag list. The result is
// deterministic, so two builds with the same tag set compare equal.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, _, err := ParseTag(t); err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// MergeTags merges extra tags into an already-normalized set, keeping the
// result sorted and deduplicated.
func MergeTags(tags, extra []string) ([]string, error) {
	if len(extra) == 0 {
		return tags, nil
	}
	return NormalizeTags(append(append([]string(nil), tags...), extra...))
}

// HasTag reports whether the sorted tag set contains the given tag.
func HasTag(tags []string, tag string) bool {
	i := sort.SearchStrings(tags, tag)
	return i < len(tags) && tags[i] == tag
}

// TagsWithKey returns all values carried for one tag key.
func TagsWithKey(tags []string, key string) []string {
	var values []string
	prefix := key + ":"
	for _, t := range tags {
		if strings.HasPrefix(t, prefix) {
			values = append(values, t[len(prefix):])
		}
	}
	return values
}
