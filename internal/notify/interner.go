package notify

// interner hands out per-session refs. Refs start at zero and are never
// reused; keys holds the inverse mapping.
type interner[K comparable] struct {
	refs map[K]int32
	keys []K
}

func newInterner[K comparable]() *interner[K] {
	return &interner[K]{refs: make(map[K]int32)}
}

func (in *interner[K]) intern(k K) (ref int32, created bool) {
	if ref, ok := in.refs[k]; ok {
		return ref, false
	}
	ref = int32(len(in.keys))
	in.refs[k] = ref
	in.keys = append(in.keys, k)
	return ref, true
}

func (in *interner[K]) lookup(ref int32) (K, bool) {
	var zero K
	if ref < 0 || int(ref) >= len(in.keys) {
		return zero, false
	}
	return in.keys[ref], true
}
