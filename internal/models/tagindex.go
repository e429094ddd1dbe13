package models

// TagIndexEntry is one back-reference stored in the tag index: the id of a
// build that carried the tag at creation time, plus enough context to
// pre-filter without fetching the build row.
type TagIndexEntry struct {
	BuildID uint64 `json:"build_id"`
	Scope   string `json:"scope"`
}

// TagIndexShard is one storage partition of the reverse index for a single
// tag value. Shard numbers must stay valid forever; old entries reference
// them.
type TagIndexShard struct {
	Tag   string
	Shard int

	// Entries is a superset of the builds currently carrying the tag. It may
	// contain stale entries from crashed writers or later tag removal, so
	// readers must verify against the authoritative build row.
	Entries []TagIndexEntry

	// PermanentlyIncomplete marks a shard that overflowed its size bound.
	// Once set it never clears, the entry list is abandoned, and the shard
	// can never again prove completeness.
	PermanentlyIncomplete bool
}
