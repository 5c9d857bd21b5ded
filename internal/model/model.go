// Package model defines the data types shared by every synchronization
// component: message identity, tags, file records, change sets, revisions
// and the durable sync bookmark (spec §3).
package model

import "sort"

// MessageId is an opaque, non-empty byte string: the RFC-822 Message-ID.
// Equality is byte-exact.
type MessageId string

// RelPath is a forward-slash separated path relative to the store's
// maildir root. Never absolute, never containing "..".
type RelPath string

// FileRecord pairs a relative path with the content hash of the file it
// names at the moment it was observed.
type FileRecord struct {
	Name RelPath `json:"name"`
	Sha  string  `json:"sha"`
}

// TagSet is an unordered, duplicate-free set of tags.
type TagSet map[string]struct{}

// NewTagSet builds a TagSet from a slice, deduplicating.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether tag is in the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Slice returns the tags in sorted order (for deterministic output).
func (s TagSet) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether two tag sets contain exactly the same tags.
func (s TagSet) Equal(o TagSet) bool {
	if len(s) != len(o) {
		return false
	}
	for t := range s {
		if !o.Has(t) {
			return false
		}
	}
	return true
}

// Union returns a new TagSet containing every tag in s or o.
func (s TagSet) Union(o TagSet) TagSet {
	out := make(TagSet, len(s)+len(o))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range o {
		out[t] = struct{}{}
	}
	return out
}

// Clone returns a shallow copy.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// MessageRecord is the tag set and file population of one message at the
// moment it was observed. files is non-empty for a live message.
type MessageRecord struct {
	Tags  TagSet       `json:"-"`
	Files []FileRecord `json:"files"`
}

// ChangeSet maps every message touched since a revision to its current
// record (spec §3, §4.4).
type ChangeSet map[MessageId]MessageRecord

// Revision identifies a Store instance (UUID) and its monotonic write
// counter (rev) at a point in time.
type Revision struct {
	Rev  uint64
	UUID string
}

// SyncState is the durable bookmark recorded after a successful sync: the
// local Store's rev and its own uuid as of that sync. The bookmark file
// holding it is named after the peer's uuid (spec §6.3).
type SyncState struct {
	Rev  uint64
	UUID string
}

// TransferCounters tallies the six quantities reported at the end of a
// sync run (spec §3, §4.11, §6.2 message 7).
type TransferCounters struct {
	TagChanges       uint32
	MoveCopy         uint32
	DupDeletions     uint32
	NewMessages      uint32
	MessageDeletions uint32
	NewFiles         uint32
}

// Add accumulates o into c in place.
func (c *TransferCounters) Add(o TransferCounters) {
	c.TagChanges += o.TagChanges
	c.MoveCopy += o.MoveCopy
	c.DupDeletions += o.DupDeletions
	c.NewMessages += o.NewMessages
	c.MessageDeletions += o.MessageDeletions
	c.NewFiles += o.NewFiles
}

// IsZero reports whether every counter is zero (used by the idempotence
// property, spec §8 invariant 1).
func (c TransferCounters) IsZero() bool {
	return c == TransferCounters{}
}

// ToWire returns the six counters in the big-endian wire order of spec
// §6.2 message 7: tag-changes, move/copy, dup-deletions, new-messages,
// message-deletions, new-files.
func (c TransferCounters) ToWire() [6]uint32 {
	return [6]uint32{c.TagChanges, c.MoveCopy, c.DupDeletions, c.NewMessages, c.MessageDeletions, c.NewFiles}
}

// FromWire reconstructs TransferCounters from the wire order above.
func FromWire(v [6]uint32) TransferCounters {
	return TransferCounters{
		TagChanges:       v[0],
		MoveCopy:         v[1],
		DupDeletions:     v[2],
		NewMessages:      v[3],
		MessageDeletions: v[4],
		NewFiles:         v[5],
	}
}
