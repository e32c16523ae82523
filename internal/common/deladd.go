package common

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// A DelAdd value carries two roaring bitmaps of docids for one posting key:
// the documents the key is being removed from and the documents it is being
// added to.
//
// Wire layout:
//
//	u32 BE del length | del roaring bytes | u32 BE add length | add roaring bytes
//
// An absent side has length zero. The length prefixes keep the two
// serializations separable without parsing roaring internals.

// AppendDelAdd serializes a del/add bitmap pair into dst and returns the
// extended slice. Either side may be nil.
func AppendDelAdd(dst []byte, del, add *roaring.Bitmap) ([]byte, error) {
	for _, side := range []*roaring.Bitmap{del, add} {
		if side == nil || side.IsEmpty() {
			dst = binary.BigEndian.AppendUint32(dst, 0)
			continue
		}
		raw, err := side.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize bitmap: %w", err)
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(raw)))
		dst = append(dst, raw...)
	}
	return dst, nil
}

// DecodeDelAdd splits a DelAdd value back into its two bitmaps. An absent
// side decodes to nil.
func DecodeDelAdd(value []byte) (del, add *roaring.Bitmap, err error) {
	rest := value
	sides := [2]*roaring.Bitmap{}
	for i := range sides {
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("truncated del/add value: %d bytes left", len(rest))
		}
		n := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if n == 0 {
			continue
		}
		if uint32(len(rest)) < n {
			return nil, nil, fmt.Errorf("truncated bitmap: want %d bytes, have %d", n, len(rest))
		}
		bm := roaring.New()
		if _, err := bm.ReadFrom(bytes.NewReader(rest[:n])); err != nil {
			return nil, nil, fmt.Errorf("failed to read bitmap: %w", err)
		}
		sides[i] = bm
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("trailing %d bytes after del/add value", len(rest))
	}
	return sides[0], sides[1], nil
}

// MergeDelAddBitmaps is the merge function applied to all values inserted
// under one key: the union of the del sides and the union of the add sides,
// taken independently. Union is commutative, associative and idempotent, so
// the result does not depend on how the inserts were partitioned across
// workers or spill chunks.
func MergeDelAddBitmaps(_ []byte, values [][]byte) ([]byte, error) {
	if len(values) == 1 {
		return values[0], nil
	}
	dels := make([]*roaring.Bitmap, 0, len(values))
	adds := make([]*roaring.Bitmap, 0, len(values))
	for _, v := range values {
		del, add, err := DecodeDelAdd(v)
		if err != nil {
			return nil, err
		}
		if del != nil {
			dels = append(dels, del)
		}
		if add != nil {
			adds = append(adds, add)
		}
	}
	return AppendDelAdd(nil, roaring.FastOr(dels...), roaring.FastOr(adds...))
}
