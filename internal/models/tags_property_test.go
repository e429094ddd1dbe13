package models

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genTag generates a well-formed "key:value" tag.
func genTag() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.Identifier(),
	).Map(func(vals []interface{}) string {
		key := vals[0].(string)
		value := vals[1].(string)
		if key == "" {
			key = "k"
		}
		if value == "" {
			value = "v"
		}
		return key + ":" + value
	})
}

func genTagList() gopter.Gen {
	return gen.SliceOf(genTag())
}

func TestNormalizeTagsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(tags []string) bool {
			once, err := NormalizeTags(tags)
			if err != nil {
				return false
			}
			twice, err := NormalizeTags(once)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(once, twice)
		},
		genTagList(),
	))

	properties.Property("normalized tags are sorted and deduplicated", prop.ForAll(
		func(tags []string) bool {
			out, err := NormalizeTags(tags)
			if err != nil {
				return false
			}
			if !sort.StringsAreSorted(out) {
				return false
			}
			seen := make(map[string]struct{}, len(out))
			for _, tag := range out {
				if _, dup := seen[tag]; dup {
					return false
				}
				seen[tag] = struct{}{}
			}
			return true
		},
		genTagList(),
	))

	properties.Property("every input tag is findable in the normalized set", prop.ForAll(
		func(tags []string) bool {
			out, err := NormalizeTags(tags)
			if err != nil {
				return false
			}
			for _, tag := range tags {
				if !HasTag(out, tag) {
					return false
				}
			}
			return true
		},
		genTagList(),
	))

	properties.Property("merge contains both sides", prop.ForAll(
		func(base, extra []string) bool {
			normalized, err := NormalizeTags(base)
			if err != nil {
				return false
			}
			merged, err := MergeTags(normalized, extra)
			if err != nil {
				return false
			}
			for _, tag := range base {
				if !HasTag(merged, tag) {
					return false
				}
			}
			for _, tag := range extra {
				if !HasTag(merged, tag) {
					return false
				}
			}
			return true
		},
		genTagList(),
		genTagList(),
	))

	properties.TestingRun(t)
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		tag       string
		key       string
		value     string
		wantError bool
	}{
		{tag: "buildset:patch/123", key: "buildset", value: "patch/123"},
		{tag: "k:v:w", key: "k", value: "v:w"},
		{tag: "novalue:", wantError: true},
		{tag: ":nokey", wantError: true},
		{tag: "nocolon", wantError: true},
		{tag: "", wantError: true},
	}
	for _, tc := range tests {
		t.Run(tc.tag, func(t *testing.T) {
			key, value, err := ParseTag(tc.tag)
			if tc.wantError {
				if !errors.Is(err, ErrMalformedTag) {
					t.Fatalf("ParseTag(%q) error = %v, want ErrMalformedTag", tc.tag, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTag(%q) error = %v", tc.tag, err)
			}
			if key != tc.key || value != tc.value {
				t.Fatalf("ParseTag(%q) = %q, %q, want %q, %q", tc.tag, key, value, tc.key, tc.value)
			}
		})
	}
}

func TestTagsWithKey(t *testing.T) {
	tags := []string{"build_address:p/b/1", "buildset:x", "buildset:y", "other:z"}
	got := TagsWithKey(tags, "buildset")
	want := []string{"x", "y"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("TagsWithKey = %v, want %v", got, want)
	}
	if got := TagsWithKey(tags, "missing"); got != nil {
		t.Fatalf("TagsWithKey for absent key = %v, want nil", got)
	}
}
