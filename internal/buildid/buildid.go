// Package buildid generates time-ordered 64-bit build identifiers.
//
// The layout, high bits to low:
//
//	43 bits  inverted milliseconds since the epoch
//	16 bits  random
//	 4 bits  format version
//
// The timestamp is inverted so that newer builds get smaller ids and sort
// first under the ascending-id scans used by the search paths. The random
// component spreads concurrent creators across the key space so no storage
// range becomes hot.
package buildid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	versionBits = 4
	randomBits  = 16
	suffixBits  = versionBits + randomBits

	// Version identifies this id layout.
	Version = 1

	maxUnits = (uint64(1) << (63 - suffixBits)) - 1
)

// epoch is the zero point for the timestamp component. It must never change:
// every persisted id encodes an offset from it.
var epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// New returns a single id for a build created at t.
func New(t time.Time) (uint64, error) {
	ids, err := NewBatch(t, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// NewBatch returns n distinct ids sharing t's timestamp component, from one
// random draw. Allocating a batch at once keeps ids within one create call
// adjacent, and costs one read of the entropy source regardless of n.
func NewBatch(t time.Time, n int) ([]uint64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", n)
	}
	if n > 1<<randomBits {
		return nil, fmt.Errorf("batch size %d exceeds id space", n)
	}
	seg, err := timeSegment(t)
	if err != nil {
		return nil, err
	}

	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	base := uint64(binary.BigEndian.Uint16(buf[:]))

	ids := make([]uint64, n)
	for i := range ids {
		r := (base + uint64(i)) & (1<<randomBits - 1)
		ids[i] = seg | r<<versionBits | Version
	}
	return ids, nil
}

// Timestamp recovers the creation time encoded in an id, at millisecond
// resolution.
func Timestamp(id uint64) time.Time {
	units := maxUnits - id>>suffixBits
	return epoch.Add(time.Duration(units) * time.Millisecond)
}

// SegmentAt returns the smallest id a build created at or before t can
// carry. Because the timestamp is inverted, older builds carry larger ids, so
// this is the inclusive lower id bound for "created at or before t" scans.
func SegmentAt(t time.Time) (uint64, error) {
	return timeSegment(t)
}

// SegmentEnd returns the largest id a build created at or after t can carry,
// the inclusive upper id bound for "created at or after t" scans.
func SegmentEnd(t time.Time) (uint64, error) {
	seg, err := timeSegment(t)
	if err != nil {
		return 0, err
	}
	return seg | (1<<suffixBits - 1), nil
}

func timeSegment(t time.Time) (uint64, error) {
	if t.Before(epoch) {
		return 0, fmt.Errorf("time %v precedes the id epoch", t)
	}
	units := uint64(t.Sub(epoch) / time.Millisecond)
	if units > maxUnits {
		return 0, fmt.Errorf("time %v exceeds the id space", t)
	}
	return (maxUnits - units) << suffixBits, nil
}
