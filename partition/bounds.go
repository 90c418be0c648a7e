package partition

import (
	"slices"
	"sort"

	"github.com/maxpert/txcore/pgerr"
)

// BoundInfo is the canonical form of a partitioned relation's bounds.
//
// Hash: Datums[i] is {modulus, remainder} sorted ascending and Indexes has
// one slot per remainder of the greatest modulus.
//
// List: Datums[i] is a single value sorted ascending and Indexes[i] is the
// partition accepting it.
//
// Range: Datums are the distinct bounds sorted ascending. Indexes[i] is -1
// for a lower bound with nothing below it, otherwise the partition whose
// upper bound it is. Indexes has one extra trailing -1.
type BoundInfo struct {
	Strategy     Strategy
	Datums       [][]Datum
	Kind         [][]RangeDatumKind
	Indexes      []int
	NullIndex    int
	DefaultIndex int
}

// NumDatums is the number of stored bound datums.
func (b *BoundInfo) NumDatums() int { return len(b.Datums) }

// HasDefault reports whether a default partition exists.
func (b *BoundInfo) HasDefault() bool { return b != nil && b.DefaultIndex != -1 }

// AcceptsNulls reports whether a list partition accepts NULL.
func (b *BoundInfo) AcceptsNulls() bool { return b != nil && b.NullIndex != -1 }

// GreatestHashModulus is the greatest modulus of a hash bound.
func (b *BoundInfo) GreatestHashModulus() int { return len(b.Indexes) }

// CreateBounds canonicalizes specs. mapping[i] is the canonical index of
// specs[i]. No specs yields nil bounds.
func CreateBounds(specs []*BoundSpec, key *Key) (*BoundInfo, []int, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	tspecs := make([]*BoundSpec, len(specs))
	for i, s := range specs {
		t, err := s.Transform(key)
		if err != nil {
			return nil, nil, err
		}
		tspecs[i] = t
	}
	mapping := make([]int, len(specs))
	for i := range mapping {
		mapping[i] = -1
	}
	var (
		b   *BoundInfo
		err error
	)
	switch key.Strategy {
	case StrategyHash:
		b, err = createHashBounds(tspecs, mapping)
	case StrategyList:
		b, err = createListBounds(tspecs, key, mapping)
	case StrategyRange:
		b, err = createRangeBounds(tspecs, key, mapping)
	}
	if err != nil {
		return nil, nil, err
	}
	for i, m := range mapping {
		if m == -1 {
			return nil, nil, pgerr.New(pgerr.InternalError, "partition %d was not assigned a canonical index", i)
		}
	}
	return b, mapping, nil
}

func newBoundInfo(strategy Strategy) *BoundInfo {
	return &BoundInfo{Strategy: strategy, NullIndex: -1, DefaultIndex: -1}
}

func createHashBounds(specs []*BoundSpec, mapping []int) (*BoundInfo, error) {
	type hbound struct {
		modulus, remainder int
		index              int
	}
	hbounds := make([]hbound, len(specs))
	for i, s := range specs {
		hbounds[i] = hbound{int(s.Modulus), int(s.Remainder), i}
	}
	sort.SliceStable(hbounds, func(i, j int) bool {
		return hboundCmp(hbounds[i].modulus, hbounds[i].remainder, hbounds[j].modulus, hbounds[j].remainder) < 0
	})

	greatest := hbounds[len(hbounds)-1].modulus
	b := newBoundInfo(StrategyHash)
	b.Datums = make([][]Datum, len(hbounds))
	b.Indexes = make([]int, greatest)
	for i := range b.Indexes {
		b.Indexes[i] = -1
	}
	for i, hb := range hbounds {
		b.Datums[i] = []Datum{int64(hb.modulus), int64(hb.remainder)}
		for r := hb.remainder; r < greatest; r += hb.modulus {
			if b.Indexes[r] != -1 {
				return nil, pgerr.New(pgerr.InvalidObjectDefinition,
					"hash partition (MODULUS %d, REMAINDER %d) overlaps another partition", hb.modulus, hb.remainder)
			}
			b.Indexes[r] = i
		}
		mapping[hb.index] = i
	}
	return b, nil
}

func createListBounds(specs []*BoundSpec, key *Key, mapping []int) (*BoundInfo, error) {
	type listValue struct {
		index int
		value Datum
	}
	var values []listValue
	nullIndex, defaultIndex := -1, -1
	for i, s := range specs {
		if s.IsDefault {
			if defaultIndex != -1 {
				return nil, pgerr.New(pgerr.InvalidObjectDefinition, "multiple default partitions")
			}
			defaultIndex = i
			continue
		}
		for _, v := range s.ListDatums {
			if v == nil {
				if nullIndex != -1 {
					return nil, pgerr.New(pgerr.InvalidObjectDefinition, "more than one partition accepts NULL")
				}
				nullIndex = i
				continue
			}
			values = append(values, listValue{i, v})
		}
	}
	ops := key.OpClasses[0]
	sort.SliceStable(values, func(i, j int) bool {
		return ops.Compare(values[i].value, values[j].value) < 0
	})

	b := newBoundInfo(StrategyList)
	b.Datums = make([][]Datum, len(values))
	b.Indexes = make([]int, len(values))
	next := 0
	for i, lv := range values {
		if i > 0 && ops.Compare(values[i-1].value, lv.value) == 0 {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition,
				"partition bound value %s appears in more than one partition", ops.Format(lv.value))
		}
		b.Datums[i] = []Datum{lv.value}
		if mapping[lv.index] == -1 {
			mapping[lv.index] = next
			next++
		}
		b.Indexes[i] = mapping[lv.index]
	}
	if nullIndex != -1 {
		if mapping[nullIndex] == -1 {
			mapping[nullIndex] = next
			next++
		}
		b.NullIndex = mapping[nullIndex]
	}
	if defaultIndex != -1 {
		mapping[defaultIndex] = next
		b.DefaultIndex = next
	}
	return b, nil
}

func makeRangeBound(index int, datums []RangeDatum, lower bool) *RangeBound {
	rb := &RangeBound{
		Index:  index,
		Datums: make([]Datum, len(datums)),
		Kind:   make([]RangeDatumKind, len(datums)),
		Lower:  lower,
	}
	for i, d := range datums {
		rb.Kind[i] = d.Kind
		if d.Kind == Value {
			rb.Datums[i] = d.Value
		}
	}
	return rb
}

func createRangeBounds(specs []*BoundSpec, key *Key, mapping []int) (*BoundInfo, error) {
	all := make([]*RangeBound, 0, 2*len(specs))
	defaultIndex := -1
	for i, s := range specs {
		if s.IsDefault {
			if defaultIndex != -1 {
				return nil, pgerr.New(pgerr.InvalidObjectDefinition, "multiple default partitions")
			}
			defaultIndex = i
			continue
		}
		all = append(all, makeRangeBound(i, s.Lower, true), makeRangeBound(i, s.Upper, false))
	}
	sort.SliceStable(all, func(i, j int) bool {
		return compareBounds(key, all[i], all[j]) < 0
	})

	distinct := make([]*RangeBound, 0, len(all))
	var prev *RangeBound
	for _, cur := range all {
		if prev == nil || rangeBoundsDistinct(key, prev, cur) {
			distinct = append(distinct, cur)
		}
		prev = cur
	}

	b := newBoundInfo(StrategyRange)
	b.Datums = make([][]Datum, len(distinct))
	b.Kind = make([][]RangeDatumKind, len(distinct))
	b.Indexes = make([]int, len(distinct)+1)
	next := 0
	for i, rb := range distinct {
		b.Datums[i] = rb.Datums
		b.Kind[i] = rb.Kind
		if rb.Lower {
			b.Indexes[i] = -1
			continue
		}
		if mapping[rb.Index] == -1 {
			mapping[rb.Index] = next
			next++
		}
		b.Indexes[i] = mapping[rb.Index]
	}
	b.Indexes[len(distinct)] = -1
	if defaultIndex != -1 {
		mapping[defaultIndex] = next
		b.DefaultIndex = next
	}
	return b, nil
}

// rangeBoundsDistinct ignores the lower flag: an upper bound and the next
// partition's equal lower bound share one slot.
func rangeBoundsDistinct(key *Key, a, b *RangeBound) bool {
	for j := 0; j < key.NumAttrs(); j++ {
		if a.Kind[j] != b.Kind[j] {
			return true
		}
		if a.Kind[j] != Value {
			return false
		}
		if key.compare(j, a.Datums[j], b.Datums[j]) != 0 {
			return true
		}
	}
	return false
}

// BoundsEqual reports whether two canonical bounds describe the same
// partitioning.
func BoundsEqual(key *Key, b1, b2 *BoundInfo) bool {
	if b1 == nil || b2 == nil {
		return b1 == b2
	}
	if b1.Strategy != b2.Strategy ||
		len(b1.Datums) != len(b2.Datums) ||
		len(b1.Indexes) != len(b2.Indexes) ||
		b1.NullIndex != b2.NullIndex ||
		b1.DefaultIndex != b2.DefaultIndex {
		return false
	}
	if !slices.Equal(b1.Indexes, b2.Indexes) {
		return false
	}
	// Hash slots are laid out by remainder, so equal indexes imply equal
	// (modulus, remainder) datums.
	if b1.Strategy == StrategyHash {
		return true
	}
	for i := range b1.Datums {
		for j := range b1.Datums[i] {
			if b1.Kind != nil {
				if b1.Kind[i][j] != b2.Kind[i][j] {
					return false
				}
				if b1.Kind[i][j] != Value {
					continue
				}
			}
			if key.compare(j, b1.Datums[i][j], b2.Datums[i][j]) != 0 {
				return false
			}
		}
	}
	return true
}

// CopyBounds returns a deep copy of src.
func CopyBounds(src *BoundInfo) *BoundInfo {
	if src == nil {
		return nil
	}
	dst := &BoundInfo{
		Strategy:     src.Strategy,
		Datums:       make([][]Datum, len(src.Datums)),
		Indexes:      slices.Clone(src.Indexes),
		NullIndex:    src.NullIndex,
		DefaultIndex: src.DefaultIndex,
	}
	for i, d := range src.Datums {
		dst.Datums[i] = slices.Clone(d)
	}
	if src.Kind != nil {
		dst.Kind = make([][]RangeDatumKind, len(src.Kind))
		for i, k := range src.Kind {
			dst.Kind[i] = slices.Clone(k)
		}
	}
	return dst
}

// PartitionsAreOrdered reports whether scanning the nparts partitions in
// canonical order yields tuples in key order.
func PartitionsAreOrdered(b *BoundInfo, nparts int) bool {
	if b == nil {
		return true
	}
	switch b.Strategy {
	case StrategyRange:
		return !b.HasDefault()
	case StrategyList:
		// One value per partition, and a NULL partition only if it holds
		// nothing else, which places it last.
		if b.HasDefault() {
			return false
		}
		n := len(b.Datums)
		if b.AcceptsNulls() {
			n++
		}
		return n == nparts
	}
	return false
}
