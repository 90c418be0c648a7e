package partition

// RangeBound is one end of a range partition. Index is the partition's
// position in the input specs while bounds are being built.
type RangeBound struct {
	Index  int
	Datums []Datum
	Kind   []RangeDatumKind
	Lower  bool
}

func signedColumn(cmp, col int) int {
	if cmp < 0 {
		return -(col + 1)
	}
	return col + 1
}

// RangeBoundCmp compares the bound (datums1, kind1, lower1) with b2. The
// sign orders the bounds; the magnitude is the 1-based column of the first
// difference. At equal datums an exclusive upper bound sorts below an
// inclusive lower bound.
func RangeBoundCmp(key *Key, datums1 []Datum, kind1 []RangeDatumKind, lower1 bool, b2 *RangeBound) int {
	for i := 0; i < key.NumAttrs(); i++ {
		if kind1[i] != b2.Kind[i] {
			return signedColumn(int(kind1[i])-int(b2.Kind[i]), i)
		}
		if kind1[i] != Value {
			// Both infinite; later columns cannot tell them apart.
			break
		}
		if c := key.compare(i, datums1[i], b2.Datums[i]); c != 0 {
			return signedColumn(c, i)
		}
	}
	if lower1 != b2.Lower {
		if lower1 {
			return 1
		}
		return -1
	}
	return 0
}

func compareBounds(key *Key, b1, b2 *RangeBound) int {
	return RangeBoundCmp(key, b1.Datums, b1.Kind, b1.Lower, b2)
}

// RangeBoundDatumCmp compares a stored bound with a tuple of key values.
// tuple may be a prefix of the key.
func RangeBoundDatumCmp(key *Key, datums []Datum, kind []RangeDatumKind, tuple []Datum) int {
	for i := range tuple {
		switch kind[i] {
		case MinValue:
			return -1
		case MaxValue:
			return 1
		}
		if c := key.compare(i, datums[i], tuple[i]); c != 0 {
			return c
		}
	}
	return 0
}

func hboundCmp(modulus1, remainder1, modulus2, remainder2 int) int {
	switch {
	case modulus1 < modulus2:
		return -1
	case modulus1 > modulus2:
		return 1
	case remainder1 < remainder2:
		return -1
	case remainder1 > remainder2:
		return 1
	}
	return 0
}

func (b *BoundInfo) hashDatum(i int) (modulus, remainder int) {
	return int(b.Datums[i][0].(int64)), int(b.Datums[i][1].(int64))
}

// ListBsearch returns the greatest datum offset whose value is <= value,
// or -1, and whether it is equal.
func ListBsearch(key *Key, b *BoundInfo, value Datum) (int, bool) {
	lo, hi := -1, len(b.Datums)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		c := key.compare(0, b.Datums[mid][0], value)
		if c <= 0 {
			lo = mid
			if c == 0 {
				return lo, true
			}
		} else {
			hi = mid - 1
		}
	}
	return lo, false
}

// RangeBsearch returns the greatest bound offset <= target, or -1, and
// whether it is equal.
func RangeBsearch(key *Key, b *BoundInfo, target *RangeBound) (int, bool) {
	off, cmpval := rangeBsearch(key, b, target)
	return off, off >= 0 && cmpval == 0
}

// rangeBsearch also reports the last comparison made, whose magnitude
// locates the offending column for overlap errors.
func rangeBsearch(key *Key, b *BoundInfo, target *RangeBound) (lo, cmpval int) {
	lo = -1
	hi := len(b.Datums) - 1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		cmpval = RangeBoundCmp(key, b.Datums[mid], b.Kind[mid], b.Indexes[mid] == -1, target)
		if cmpval <= 0 {
			lo = mid
			if cmpval == 0 {
				break
			}
		} else {
			hi = mid - 1
		}
	}
	return lo, cmpval
}

// RangeDatumBsearch returns the greatest bound offset <= values, or -1,
// and whether it is equal.
func RangeDatumBsearch(key *Key, b *BoundInfo, values []Datum) (int, bool) {
	lo, hi := -1, len(b.Datums)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		c := RangeBoundDatumCmp(key, b.Datums[mid], b.Kind[mid], values)
		if c <= 0 {
			lo = mid
			if c == 0 {
				return lo, true
			}
		} else {
			hi = mid - 1
		}
	}
	return lo, false
}

// HashBsearch returns the greatest datum offset whose (modulus, remainder)
// is <= the given pair, or -1, and whether it is equal.
func HashBsearch(b *BoundInfo, modulus, remainder int) (int, bool) {
	lo, hi := -1, len(b.Datums)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		m, r := b.hashDatum(mid)
		c := hboundCmp(m, r, modulus, remainder)
		if c <= 0 {
			lo = mid
			if c == 0 {
				return lo, true
			}
		} else {
			hi = mid - 1
		}
	}
	return lo, false
}
