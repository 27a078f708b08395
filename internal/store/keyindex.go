// Package store implements the packed cell store and its paged layout:
// an open-addressing key index, per-partition sorted cell pages, and the
// sparse N-dimensional store built on top of them.
package store

import (
	"bytes"
)

// Ref locates a row inside a page by its live slot index. Slot indices are
// only stable between calls to Sort/Remove on the owning page — callers
// must re-resolve a Ref after either.
type Ref struct {
	Slot int
}

// KeyIndex is an open-addressing hash table from a packed cell key to the
// row holding it, scoped to a single CellPage. Keys are short, fixed-size
// byte strings (4·N bytes), so linear probing with a cheap FNV-1a hash
// keeps everything in one cache line's reach without a second allocation
// per bucket.
type KeyIndex struct {
	buckets []bucket
	count   int
}

type bucket struct {
	key    []byte
	slot   int
	state  bucketState
}

type bucketState uint8

const (
	bucketEmpty bucketState = iota
	bucketUsed
	bucketTombstone
)

const minBuckets = 16

// NewKeyIndex returns an empty index sized for roughly capacityHint rows.
func NewKeyIndex(capacityHint int) *KeyIndex {
	n := minBuckets
	for n < capacityHint*2 {
		n *= 2
	}
	return &KeyIndex{buckets: make([]bucket, n)}
}

func fnv1a(key []byte) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for _, b := range key {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

func (idx *KeyIndex) maybeGrow() {
	if idx.count*2 < len(idx.buckets) {
		return
	}
	old := idx.buckets
	idx.buckets = make([]bucket, len(old)*2)
	idx.count = 0
	for _, b := range old {
		if b.state == bucketUsed {
			idx.insert(b.key, b.slot)
		}
	}
}

func (idx *KeyIndex) probe(key []byte) int {
	n := len(idx.buckets)
	i := int(fnv1a(key) % uint64(n))
	firstTombstone := -1
	for probes := 0; probes < n; probes++ {
		b := &idx.buckets[i]
		switch b.state {
		case bucketEmpty:
			if firstTombstone >= 0 {
				return firstTombstone
			}
			return i
		case bucketTombstone:
			if firstTombstone < 0 {
				firstTombstone = i
			}
		case bucketUsed:
			if bytes.Equal(b.key, key) {
				return i
			}
		}
		i = (i + 1) % n
	}
	if firstTombstone >= 0 {
		return firstTombstone
	}
	return -1
}

func (idx *KeyIndex) insert(key []byte, slot int) {
	idx.maybeGrow()
	i := idx.probe(key)
	if i < 0 {
		// probe sequence exhausted by an adversarial load factor; force a
		// resize and retry once.
		idx.buckets = append(idx.buckets, make([]bucket, len(idx.buckets))...)
		i = idx.probe(key)
	}
	if idx.buckets[i].state != bucketUsed {
		idx.count++
	}
	idx.buckets[i] = bucket{key: key, slot: slot, state: bucketUsed}
}

// Insert registers key -> slot. Overwrites any prior registration of key.
func (idx *KeyIndex) Insert(key []byte, slot int) {
	idx.insert(key, slot)
}

// Lookup returns the slot registered for key, if any.
func (idx *KeyIndex) Lookup(key []byte) (int, bool) {
	n := len(idx.buckets)
	if n == 0 {
		return 0, false
	}
	i := int(fnv1a(key) % uint64(n))
	for probes := 0; probes < n; probes++ {
		b := &idx.buckets[i]
		switch b.state {
		case bucketEmpty:
			return 0, false
		case bucketUsed:
			if bytes.Equal(b.key, key) {
				return b.slot, true
			}
		}
		i = (i + 1) % n
	}
	return 0, false
}

// Remove unregisters key, if present.
func (idx *KeyIndex) Remove(key []byte) {
	n := len(idx.buckets)
	if n == 0 {
		return
	}
	i := int(fnv1a(key) % uint64(n))
	for probes := 0; probes < n; probes++ {
		b := &idx.buckets[i]
		switch b.state {
		case bucketEmpty:
			return
		case bucketUsed:
			if bytes.Equal(b.key, key) {
				idx.buckets[i] = bucket{state: bucketTombstone}
				idx.count--
				return
			}
		}
		i = (i + 1) % n
	}
}

// Clear empties the index without shrinking its backing array.
func (idx *KeyIndex) Clear() {
	for i := range idx.buckets {
		idx.buckets[i] = bucket{}
	}
	idx.count = 0
}

// Len reports the number of registered keys.
func (idx *KeyIndex) Len() int { return idx.count }
