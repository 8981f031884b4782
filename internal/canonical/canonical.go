package canonical

import (
	"slices"
	"strconv"
	"unicode/utf16"
)

// Canonicalize returns v with every object's keys sorted, recursively.
// Array order is preserved but each element is canonicalized. Scalars are
// returned unchanged. The function is pure and idempotent.
//
// Keys are ordered the way a JavaScript object iterates keys inserted in
// sorted order: array-index keys first in ascending numeric order, then the
// remaining keys by UTF-16 code unit comparison.
func Canonicalize(v Value) Value {
	switch v.kind {
	case KindArray:
		out := Value{kind: KindArray, items: make([]Value, len(v.items))}
		for i, item := range v.items {
			out.items[i] = Canonicalize(item)
		}
		return out
	case KindObject:
		out := Value{kind: KindObject, members: make([]Member, len(v.members))}
		for i, m := range v.members {
			out.members[i] = Member{Key: m.Key, Value: Canonicalize(m.Value)}
		}
		slices.SortStableFunc(out.members, func(a, b Member) int {
			return compareKeys(a.Key, b.Key)
		})
		return out
	default:
		return v
	}
}

func compareKeys(a, b string) int {
	ai, aIdx := arrayIndex(a)
	bi, bIdx := arrayIndex(b)
	switch {
	case aIdx && bIdx:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aIdx:
		return -1
	case bIdx:
		return 1
	}
	return compareUTF16(a, b)
}

// arrayIndex reports whether key is the canonical decimal form of an integer
// in [0, 2^32-2].
func arrayIndex(key string) (uint64, bool) {
	if key == "" || len(key) > 10 {
		return 0, false
	}
	if len(key) > 1 && key[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil || n >= 1<<32-1 {
		return 0, false
	}
	return n, true
}

func compareUTF16(a, b string) int {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	return slices.Compare(ua, ub)
}
