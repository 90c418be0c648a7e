package partition

// FindThreshold is the number of consecutive lookups landing on one bound
// before FindPartition starts checking that bound first.
const FindThreshold = 16

// FindCache remembers where the previous lookups landed. The zero value
// is empty.
type FindCache struct {
	DatumIndex int
	PartIndex  int
	Count      int
}

// FindPartition returns the canonical index of the partition accepting
// values, falling back to the default partition, or -1 when none does.
// hit reports whether the answer came from cache. cache may be nil.
func FindPartition(key *Key, b *BoundInfo, values []Datum, cache *FindCache) (part int, hit bool, err error) {
	if b == nil {
		return -1, false, nil
	}
	values, err = coerceValues(key, values)
	if err != nil {
		return -1, false, err
	}
	cached := cache != nil && cache.Count >= FindThreshold

	part, boundOffset := -1, -1
	switch b.Strategy {
	case StrategyHash:
		return b.Indexes[ComputeHashValue(key, values)%uint64(len(b.Indexes))], false, nil

	case StrategyList:
		if values[0] == nil {
			if b.AcceptsNulls() {
				return b.NullIndex, false, nil
			}
			break
		}
		if cached && key.compare(0, b.Datums[cache.DatumIndex][0], values[0]) == 0 {
			return b.Indexes[cache.DatumIndex], true, nil
		}
		off, equal := ListBsearch(key, b, values[0])
		if off >= 0 && equal {
			boundOffset, part = off, b.Indexes[off]
		}

	case StrategyRange:
		for _, v := range values {
			if v == nil {
				// No range holds NULL.
				return b.DefaultIndex, false, nil
			}
		}
		if cached {
			off := cache.DatumIndex
			c := RangeBoundDatumCmp(key, b.Datums[off], b.Kind[off], values)
			if c == 0 {
				return b.Indexes[off+1], true, nil
			}
			if c < 0 && off+1 < len(b.Datums) &&
				RangeBoundDatumCmp(key, b.Datums[off+1], b.Kind[off+1], values) > 0 {
				return b.Indexes[off+1], true, nil
			}
		}
		off, _ := RangeDatumBsearch(key, b, values)
		boundOffset, part = off, b.Indexes[off+1]
	}

	if part < 0 {
		return b.DefaultIndex, false, nil
	}
	if cache != nil {
		if boundOffset == cache.DatumIndex && cache.Count > 0 {
			cache.Count++
		} else {
			*cache = FindCache{DatumIndex: boundOffset, PartIndex: part, Count: 1}
		}
	}
	return part, false, nil
}
