package buildid

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genMillis generates a millisecond offset within the first ~30 years of the
// id epoch.
func genMillis() gopter.Gen {
	return gen.Int64Range(0, 30*365*24*3600*1000)
}

func atMillis(ms int64) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func TestIDOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("later creation times produce smaller ids", prop.ForAll(
		func(ms1, ms2 int64) bool {
			if ms1 == ms2 {
				return true
			}
			if ms1 > ms2 {
				ms1, ms2 = ms2, ms1
			}
			early, err := New(atMillis(ms1))
			if err != nil {
				return false
			}
			late, err := New(atMillis(ms2))
			if err != nil {
				return false
			}
			return late < early
		},
		genMillis(),
		genMillis(),
	))

	properties.Property("timestamp survives the round trip at millisecond resolution", prop.ForAll(
		func(ms int64) bool {
			when := atMillis(ms)
			id, err := New(when)
			if err != nil {
				return false
			}
			return Timestamp(id).Equal(when)
		},
		genMillis(),
	))

	properties.Property("every id falls inside its own time segment", prop.ForAll(
		func(ms int64) bool {
			when := atMillis(ms)
			id, err := New(when)
			if err != nil {
				return false
			}
			lo, err := SegmentAt(when)
			if err != nil {
				return false
			}
			hi, err := SegmentEnd(when)
			if err != nil {
				return false
			}
			return lo <= id && id <= hi
		},
		genMillis(),
	))

	properties.TestingRun(t)
}

func TestBatchUniqueness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("batch ids are distinct and share the creation time", prop.ForAll(
		func(ms int64, n int) bool {
			when := atMillis(ms)
			ids, err := NewBatch(when, n)
			if err != nil {
				return false
			}
			if len(ids) != n {
				return false
			}
			seen := make(map[uint64]struct{}, n)
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					return false
				}
				seen[id] = struct{}{}
				if !Timestamp(id).Equal(when) {
					return false
				}
			}
			return true
		},
		genMillis(),
		gen.IntRange(1, 256),
	))

	properties.TestingRun(t)
}

func TestNewBatchRejections(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name string
		when time.Time
		n    int
	}{
		{"zero batch", now, 0},
		{"negative batch", now, -3},
		{"batch beyond id space", now, 1<<randomBits + 1},
		{"time before the epoch", epoch.Add(-time.Second), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBatch(tc.when, tc.n); err == nil {
				t.Fatalf("NewBatch(%v, %d) succeeded, want error", tc.when, tc.n)
			}
		})
	}
}

func TestSegmentBoundsInvert(t *testing.T) {
	early := atMillis(1_000_000)
	late := atMillis(2_000_000)

	earlyLo, err := SegmentAt(early)
	if err != nil {
		t.Fatal(err)
	}
	lateLo, err := SegmentAt(late)
	if err != nil {
		t.Fatal(err)
	}
	if lateLo >= earlyLo {
		t.Fatalf("SegmentAt not inverted: late=%d early=%d", lateLo, earlyLo)
	}

	lo, err := SegmentAt(early)
	if err != nil {
		t.Fatal(err)
	}
	hi, err := SegmentEnd(early)
	if err != nil {
		t.Fatal(err)
	}
	if hi <= lo {
		t.Fatalf("segment bounds out of order: lo=%d hi=%d", lo, hi)
	}
	if hi-lo != 1<<suffixBits-1 {
		t.Fatalf("segment width = %d, want %d", hi-lo, 1<<suffixBits-1)
	}
}
