// Package common holds the leaf types shared by the extraction pipeline:
// document and field identifiers, the DelAdd posting codec, the bucketed
// position encoding, and the distinct-key bloom filter.
package common

import "math/bits"

// DocumentID identifies a document. Docids are dense u32s handed out by the
// indexing orchestrator.
type DocumentID = uint32

// FieldID identifies a distinct field path.
type FieldID = uint16

// Position packs (attribute index, in-attribute word offset) into 16 bits:
// the top 5 bits carry the attribute index, the low 11 bits the offset.
type Position = uint16

const (
	// MaxPositionPerAttribute caps the in-attribute word offset. Tokens past
	// the cap are not emitted.
	MaxPositionPerAttribute = 1 << 11

	// MaxAttributeIndex caps how many searchable attributes get distinct
	// position ranges. Attributes past the cap share the last range.
	MaxAttributeIndex = 1<<5 - 1

	relativeMask = MaxPositionPerAttribute - 1

	// In-attribute offsets below this boundary keep their own bucket.
	positionBucketBoundary = 16
)

// AbsoluteFromRelative packs an attribute index and an in-attribute word
// offset into a Position. Both inputs saturate at their caps.
func AbsoluteFromRelative(attr, relative uint16) Position {
	if attr > MaxAttributeIndex {
		attr = MaxAttributeIndex
	}
	if relative > relativeMask {
		relative = relativeMask
	}
	return attr<<11 | relative
}

// AttributeIndex returns the attribute part of a position.
func AttributeIndex(pos Position) uint16 { return pos >> 11 }

// RelativePosition returns the in-attribute offset part of a position.
func RelativePosition(pos Position) uint16 { return pos & relativeMask }

// BucketedPosition compresses the in-attribute offset of a position so that
// nearby offsets share a key, bounding the cardinality of position-indexed
// postings per word. Offsets below 16 keep their own bucket; above that the
// buckets widen on a power-of-two schedule. The result is deterministic and
// monotone non-decreasing in the offset; the attribute bits pass through
// untouched.
func BucketedPosition(pos Position) Position {
	attr := pos &^ uint16(relativeMask)
	rel := pos & relativeMask
	if rel < positionBucketBoundary {
		return attr | rel
	}
	return attr | uint16(positionBucketBoundary-3+bits.Len16(rel>>2))
}
