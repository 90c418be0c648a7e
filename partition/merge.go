package partition

// JoinType selects the partitionwise join being planned.
type JoinType uint8

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinFull
	JoinSemi
	JoinAnti
)

func (j JoinType) String() string {
	switch j {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinFull:
		return "full"
	case JoinSemi:
		return "semi"
	case JoinAnti:
		return "anti"
	}
	return "unknown"
}

// outer reports whether every outer row must appear in the result.
func (j JoinType) outer() bool {
	return j == JoinLeft || j == JoinFull || j == JoinAnti
}

// MergeInput is one side of a partitionwise join.
type MergeInput struct {
	Bounds   *BoundInfo
	NumParts int
	// Dummy marks partitions proven empty. nil means none are.
	Dummy []bool
}

func (in *MergeInput) dummy(i int) bool {
	return i >= 0 && i < len(in.Dummy) && in.Dummy[i]
}

// MergeResult is a merged bound plus, for each merged partition, the
// input partitions joined to produce it. -1 stands for an empty
// counterpart.
type MergeResult struct {
	Bounds     *BoundInfo
	OuterParts []int
	InnerParts []int
}

// MergeBounds merges the bounds of two relations partitioned on
// compatible keys. It returns nil when no merged partitioning exists in
// which every partition joins with at most one partition of the other
// side.
func MergeBounds(key *Key, outer, inner *MergeInput, jt JoinType) *MergeResult {
	ob, ib := outer.Bounds, inner.Bounds
	if ob == nil || ib == nil || ob.Strategy != ib.Strategy {
		return nil
	}
	switch ob.Strategy {
	case StrategyHash:
		if !BoundsEqual(key, ob, ib) || outer.NumParts != inner.NumParts {
			return nil
		}
		res := &MergeResult{Bounds: CopyBounds(ob)}
		for i := 0; i < outer.NumParts; i++ {
			res.OuterParts = append(res.OuterParts, i)
			res.InnerParts = append(res.InnerParts, i)
		}
		return res
	case StrategyList:
		return mergeListBounds(key, outer, inner, jt)
	case StrategyRange:
		return mergeRangeBounds(key, outer, inner, jt)
	}
	return nil
}

// partitionMap tracks which merged partition each input partition went
// to. merged is false while a partition is only paired with a dummy.
type partitionMap struct {
	mergedIndexes []int
	merged        []bool
	didRemapping  bool
	oldIndexes    []int
}

func newPartitionMap(nparts int) *partitionMap {
	m := &partitionMap{
		mergedIndexes: make([]int, nparts),
		merged:        make([]bool, nparts),
		oldIndexes:    make([]int, nparts),
	}
	for i := range m.mergedIndexes {
		m.mergedIndexes[i] = -1
		m.oldIndexes[i] = -1
	}
	return m
}

type merger struct {
	jt                         JoinType
	outerMap, innerMap         *partitionMap
	outerHasDefault            bool
	innerHasDefault            bool
	outerDefault, innerDefault int
	nextIndex                  int
	defaultIndex               int
	nullIndex                  int
}

func newMerger(outer, inner *MergeInput, jt JoinType) *merger {
	m := &merger{
		jt:           jt,
		outerMap:     newPartitionMap(outer.NumParts),
		innerMap:     newPartitionMap(inner.NumParts),
		outerDefault: outer.Bounds.DefaultIndex,
		innerDefault: inner.Bounds.DefaultIndex,
		defaultIndex: -1,
		nullIndex:    -1,
	}
	m.outerHasDefault = outer.Bounds.HasDefault() && !outer.dummy(m.outerDefault)
	m.innerHasDefault = inner.Bounds.HasDefault() && !inner.dummy(m.innerDefault)
	return m
}

// mergeMatching pairs outerIndex with innerIndex, returning the merged
// index or -1 when either is already paired elsewhere.
func (m *merger) mergeMatching(outerIndex, innerIndex int) int {
	om, im := m.outerMap, m.innerMap
	outerMerged, innerMerged := om.mergedIndexes[outerIndex], im.mergedIndexes[innerIndex]

	if outerMerged >= 0 && innerMerged >= 0 {
		if outerMerged == innerMerged {
			return outerMerged
		}
		// Both were paired with dummies (list bounds only). Keep the
		// smaller merged index so list partitions stay in canonical order.
		if !om.merged[outerIndex] && !im.merged[innerIndex] {
			if outerMerged < innerMerged {
				om.merged[outerIndex] = true
				im.mergedIndexes[innerIndex] = outerMerged
				im.merged[innerIndex] = true
				im.didRemapping = true
				im.oldIndexes[innerIndex] = innerMerged
				return outerMerged
			}
			im.merged[innerIndex] = true
			om.mergedIndexes[outerIndex] = innerMerged
			om.merged[outerIndex] = true
			om.didRemapping = true
			om.oldIndexes[outerIndex] = outerMerged
			return innerMerged
		}
		return -1
	}

	switch {
	case outerMerged == -1 && innerMerged == -1:
		idx := m.nextIndex
		om.mergedIndexes[outerIndex], om.merged[outerIndex] = idx, true
		im.mergedIndexes[innerIndex], im.merged[innerIndex] = idx, true
		m.nextIndex++
		return idx
	case outerMerged >= 0 && !om.merged[outerIndex]:
		im.mergedIndexes[innerIndex], im.merged[innerIndex] = outerMerged, true
		om.merged[outerIndex] = true
		return outerMerged
	case innerMerged >= 0 && !im.merged[innerIndex]:
		om.mergedIndexes[outerIndex], om.merged[outerIndex] = innerMerged, true
		im.merged[innerIndex] = true
		return innerMerged
	}
	return -1
}

func (m *merger) mergeWithDummy(pm *partitionMap, index int) int {
	idx := m.nextIndex
	pm.mergedIndexes[index] = idx
	m.nextIndex++
	return idx
}

// processOuter assigns a merged partition to an outer partition that has
// no matching inner bound.
func (m *merger) processOuter(outerIndex int) int {
	if m.innerHasDefault {
		// The inner default would match both this partition and the
		// outer default.
		if m.outerHasDefault {
			return -1
		}
		idx := m.mergeMatching(outerIndex, m.innerDefault)
		if idx == -1 {
			return -1
		}
		// A full join keeps every inner default row, so this merged
		// partition holds values no other one does.
		if m.jt == JoinFull {
			if m.defaultIndex == -1 {
				m.defaultIndex = idx
			} else if m.defaultIndex != idx {
				return -1
			}
		}
		return idx
	}
	idx := m.outerMap.mergedIndexes[outerIndex]
	if idx == -1 {
		idx = m.mergeWithDummy(m.outerMap, outerIndex)
	}
	return idx
}

// processInner assigns a merged partition to an inner partition that has
// no matching outer bound.
func (m *merger) processInner(innerIndex int) int {
	if m.outerHasDefault {
		if m.innerHasDefault {
			return -1
		}
		idx := m.mergeMatching(m.outerDefault, innerIndex)
		if idx == -1 {
			return -1
		}
		if m.jt.outer() {
			if m.defaultIndex == -1 {
				m.defaultIndex = idx
			} else if m.defaultIndex != idx {
				return -1
			}
		}
		return idx
	}
	idx := m.innerMap.mergedIndexes[innerIndex]
	if idx == -1 {
		idx = m.mergeWithDummy(m.innerMap, innerIndex)
	}
	return idx
}

// mergeNulls decides which merged partition carries NULL keys.
func (m *merger) mergeNulls(outerHasNull, innerHasNull bool, outerNull, innerNull int) bool {
	considerOuter := outerHasNull && m.outerMap.mergedIndexes[outerNull] == -1
	considerInner := innerHasNull && m.innerMap.mergedIndexes[innerNull] == -1

	// A NULL partition that also holds values was merged already; the
	// rows that must survive the join keep their NULLs in that partition.
	if outerHasNull && !considerOuter && m.jt.outer() {
		m.nullIndex = m.outerMap.mergedIndexes[outerNull]
	}
	if innerHasNull && !considerInner && m.jt == JoinFull {
		idx := m.innerMap.mergedIndexes[innerNull]
		if m.nullIndex != -1 && m.nullIndex != idx {
			return false
		}
		m.nullIndex = idx
	}

	switch {
	case considerOuter && !considerInner:
		if m.jt.outer() {
			if m.nullIndex != -1 {
				return false
			}
			m.nullIndex = m.mergeWithDummy(m.outerMap, outerNull)
		}
	case !considerOuter && considerInner:
		if m.jt == JoinFull {
			if m.nullIndex != -1 {
				return false
			}
			m.nullIndex = m.mergeWithDummy(m.innerMap, innerNull)
		}
	case considerOuter && considerInner:
		// NULL never equals NULL, so inner and semi joins drop both.
		if m.jt.outer() {
			m.nullIndex = m.mergeMatching(outerNull, innerNull)
		}
	}
	return true
}

// mergeDefaults pairs the default partitions. It reports false when the
// defaults cannot be given a single merged partition.
func (m *merger) mergeDefaults() bool {
	outerMerged, innerMerged := -1, -1
	if m.outerHasDefault {
		outerMerged = m.outerMap.mergedIndexes[m.outerDefault]
	}
	if m.innerHasDefault {
		innerMerged = m.innerMap.mergedIndexes[m.innerDefault]
	}
	switch {
	case m.outerHasDefault && !m.innerHasDefault:
		if m.jt.outer() {
			if outerMerged == -1 {
				m.defaultIndex = m.mergeWithDummy(m.outerMap, m.outerDefault)
			} else if m.defaultIndex != outerMerged {
				return false
			}
		}
	case !m.outerHasDefault && m.innerHasDefault:
		if m.jt == JoinFull {
			if innerMerged == -1 {
				m.defaultIndex = m.mergeWithDummy(m.innerMap, m.innerDefault)
			} else if m.defaultIndex != innerMerged {
				return false
			}
		}
	case m.outerHasDefault && m.innerHasDefault:
		if outerMerged != -1 || innerMerged != -1 {
			return false
		}
		m.defaultIndex = m.mergeMatching(m.outerDefault, m.innerDefault)
	}
	return true
}

// fixMergedIndexes rewrites merged indexes that were abandoned when two
// dummy-paired partitions were re-merged.
func (m *merger) fixMergedIndexes(indexes []int) {
	newIndexes := make([]int, m.nextIndex)
	for i := range newIndexes {
		newIndexes[i] = -1
	}
	for _, pm := range []*partitionMap{m.outerMap, m.innerMap} {
		if !pm.didRemapping {
			continue
		}
		for i, old := range pm.oldIndexes {
			if old >= 0 {
				newIndexes[old] = pm.mergedIndexes[i]
			}
		}
	}
	fix := func(idx int) int {
		if idx >= 0 && newIndexes[idx] >= 0 {
			return newIndexes[idx]
		}
		return idx
	}
	for i, idx := range indexes {
		indexes[i] = fix(idx)
	}
	m.nullIndex = fix(m.nullIndex)
	m.defaultIndex = fix(m.defaultIndex)
}

// finish pairs inputs per merged partition, drops merged indexes left
// without any input and renumbers the rest densely.
func (m *merger) finish(b *BoundInfo, indexes []int) *MergeResult {
	if m.outerMap.didRemapping || m.innerMap.didRemapping {
		m.fixMergedIndexes(indexes)
	}
	outerOf := make([]int, m.nextIndex)
	innerOf := make([]int, m.nextIndex)
	for i := range outerOf {
		outerOf[i], innerOf[i] = -1, -1
	}
	for i, idx := range m.outerMap.mergedIndexes {
		if idx >= 0 {
			outerOf[idx] = i
		}
	}
	for i, idx := range m.innerMap.mergedIndexes {
		if idx >= 0 {
			innerOf[idx] = i
		}
	}

	res := &MergeResult{Bounds: b}
	renumber := make([]int, m.nextIndex)
	for i := range renumber {
		renumber[i] = -1
		if outerOf[i] == -1 && innerOf[i] == -1 {
			continue
		}
		renumber[i] = len(res.OuterParts)
		res.OuterParts = append(res.OuterParts, outerOf[i])
		res.InnerParts = append(res.InnerParts, innerOf[i])
	}
	remap := func(idx int) int {
		if idx < 0 {
			return idx
		}
		return renumber[idx]
	}
	b.Indexes = make([]int, len(indexes))
	for i, idx := range indexes {
		b.Indexes[i] = remap(idx)
	}
	b.NullIndex = remap(m.nullIndex)
	b.DefaultIndex = remap(m.defaultIndex)
	return res
}

func mergeListBounds(key *Key, outer, inner *MergeInput, jt JoinType) *MergeResult {
	ob, ib := outer.Bounds, inner.Bounds
	m := newMerger(outer, inner, jt)
	outerHasNull := ob.AcceptsNulls() && !outer.dummy(ob.NullIndex)
	innerHasNull := ib.AcceptsNulls() && !inner.dummy(ib.NullIndex)

	var (
		datums  [][]Datum
		indexes []int
	)
	op, ip := 0, 0
	for op < len(ob.Datums) || ip < len(ib.Datums) {
		outerIndex, innerIndex := -1, -1
		if op < len(ob.Datums) {
			outerIndex = ob.Indexes[op]
			if outer.dummy(outerIndex) {
				op++
				continue
			}
		}
		if ip < len(ib.Datums) {
			innerIndex = ib.Indexes[ip]
			if inner.dummy(innerIndex) {
				ip++
				continue
			}
		}

		// An exhausted side compares above everything left on the other.
		var cmpval int
		switch {
		case op >= len(ob.Datums):
			cmpval = 1
		case ip >= len(ib.Datums):
			cmpval = -1
		default:
			cmpval = key.compare(0, ob.Datums[op][0], ib.Datums[ip][0])
		}

		merged, mergedDatum := -1, Datum(nil)
		switch {
		case cmpval == 0:
			if merged = m.mergeMatching(outerIndex, innerIndex); merged == -1 {
				return nil
			}
			mergedDatum = ob.Datums[op][0]
			op++
			ip++
		case cmpval < 0:
			if m.innerHasDefault || jt.outer() {
				if merged = m.processOuter(outerIndex); merged == -1 {
					return nil
				}
				mergedDatum = ob.Datums[op][0]
			}
			op++
		default:
			if m.outerHasDefault || jt == JoinFull {
				if merged = m.processInner(innerIndex); merged == -1 {
					return nil
				}
				mergedDatum = ib.Datums[ip][0]
			}
			ip++
		}

		if merged >= 0 && merged != m.defaultIndex {
			datums = append(datums, []Datum{mergedDatum})
			indexes = append(indexes, merged)
		}
	}

	if outerHasNull || innerHasNull {
		if !m.mergeNulls(outerHasNull, innerHasNull, ob.NullIndex, ib.NullIndex) {
			return nil
		}
	}
	if m.outerHasDefault || m.innerHasDefault {
		if !m.mergeDefaults() {
			return nil
		}
	}
	if m.nextIndex == 0 {
		return nil
	}
	b := newBoundInfo(StrategyList)
	b.Datums = datums
	return m.finish(b, indexes)
}

// rangePartition walks the partitions of a range bound in order.
type rangePartition struct {
	in    *MergeInput
	lbPos int
}

// next returns the next non-dummy partition and its bounds, or -1.
func (rp *rangePartition) next() (int, *RangeBound, *RangeBound) {
	b := rp.in.Bounds
	for {
		if rp.lbPos >= len(b.Datums) {
			return -1, nil, nil
		}
		lb := &RangeBound{Index: b.Indexes[rp.lbPos], Datums: b.Datums[rp.lbPos], Kind: b.Kind[rp.lbPos], Lower: true}
		ub := &RangeBound{Index: b.Indexes[rp.lbPos+1], Datums: b.Datums[rp.lbPos+1], Kind: b.Kind[rp.lbPos+1]}
		// The bound after an upper bound is either a fresh lower bound or
		// doubles as the next partition's lower bound.
		switch {
		case rp.lbPos+2 >= len(b.Datums):
			rp.lbPos = len(b.Datums)
		case b.Indexes[rp.lbPos+2] < 0:
			rp.lbPos += 2
		default:
			rp.lbPos++
		}
		if !rp.in.dummy(ub.Index) {
			return ub.Index, lb, ub
		}
	}
}

func sign(x int) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	}
	return 0
}

func compareRangePartitions(key *Key, outerLB, outerUB, innerLB, innerUB *RangeBound) (overlap bool, lbCmp, ubCmp int) {
	if sign(compareBounds(key, outerUB, innerLB)) < 0 {
		return false, -1, -1
	}
	if sign(compareBounds(key, outerLB, innerUB)) > 0 {
		return false, 1, 1
	}
	return true, sign(compareBounds(key, outerLB, innerLB)), sign(compareBounds(key, outerUB, innerUB))
}

func mergedRangeBounds(jt JoinType, outerLB, outerUB, innerLB, innerUB *RangeBound, lbCmp, ubCmp int) (*RangeBound, *RangeBound) {
	switch jt {
	case JoinLeft, JoinAnti:
		return outerLB, outerUB
	case JoinFull:
		lb, ub := innerLB, innerUB
		if lbCmp < 0 {
			lb = outerLB
		}
		if ubCmp > 0 {
			ub = outerUB
		}
		return lb, ub
	}
	lb, ub := innerLB, innerUB
	if lbCmp > 0 {
		lb = outerLB
	}
	if ubCmp < 0 {
		ub = outerUB
	}
	return lb, ub
}

func mergeRangeBounds(key *Key, outer, inner *MergeInput, jt JoinType) *MergeResult {
	m := newMerger(outer, inner, jt)
	var (
		datums  [][]Datum
		kinds   [][]RangeDatumKind
		indexes []int
	)
	addBounds := func(lb, ub *RangeBound, idx int) {
		// The previous upper bound doubles as this lower bound when equal.
		add := len(datums) == 0
		if !add {
			last := len(datums) - 1
			prev := &RangeBound{Datums: datums[last], Kind: kinds[last]}
			add = RangeBoundCmp(key, lb.Datums, lb.Kind, false, prev) > 0
		}
		if add {
			datums = append(datums, lb.Datums)
			kinds = append(kinds, lb.Kind)
			indexes = append(indexes, -1)
		}
		datums = append(datums, ub.Datums)
		kinds = append(kinds, ub.Kind)
		indexes = append(indexes, idx)
	}

	op := &rangePartition{in: outer}
	ip := &rangePartition{in: inner}
	outerIndex, outerLB, outerUB := op.next()
	innerIndex, innerLB, innerUB := ip.next()
	for outerIndex >= 0 || innerIndex >= 0 {
		var (
			overlap      bool
			lbCmp, ubCmp int
			merged       = -1
			mergedLB     *RangeBound
			mergedUB     *RangeBound
		)
		switch {
		case outerIndex == -1:
			lbCmp, ubCmp = 1, 1
		case innerIndex == -1:
			lbCmp, ubCmp = -1, -1
		default:
			overlap, lbCmp, ubCmp = compareRangePartitions(key, outerLB, outerUB, innerLB, innerUB)
		}

		switch {
		case overlap:
			if merged = m.mergeMatching(outerIndex, innerIndex); merged == -1 {
				return nil
			}
			mergedLB, mergedUB = mergedRangeBounds(jt, outerLB, outerUB, innerLB, innerUB, lbCmp, ubCmp)
			savedOuterUB, savedInnerUB := outerUB, innerUB
			outerIndex, outerLB, outerUB = op.next()
			innerIndex, innerLB, innerUB = ip.next()

			// One partition reaching into the next partition of the other
			// side would match two partitions.
			if ubCmp > 0 && innerIndex >= 0 && compareBounds(key, savedOuterUB, innerLB) > 0 {
				return nil
			}
			if ubCmp < 0 && outerIndex >= 0 && compareBounds(key, outerLB, savedInnerUB) < 0 {
				return nil
			}
			// Rows outside the overlap would meet the other side's default,
			// which then matches two partitions.
			if (m.outerHasDefault && (lbCmp > 0 || ubCmp < 0)) ||
				(m.innerHasDefault && (lbCmp < 0 || ubCmp > 0)) {
				return nil
			}
		case ubCmp < 0:
			if m.innerHasDefault || jt.outer() {
				if merged = m.processOuter(outerIndex); merged == -1 {
					return nil
				}
				mergedLB, mergedUB = outerLB, outerUB
			}
			outerIndex, outerLB, outerUB = op.next()
		default:
			if m.outerHasDefault || jt == JoinFull {
				if merged = m.processInner(innerIndex); merged == -1 {
					return nil
				}
				mergedLB, mergedUB = innerLB, innerUB
			}
			innerIndex, innerLB, innerUB = ip.next()
		}

		if merged >= 0 && merged != m.defaultIndex {
			addBounds(mergedLB, mergedUB, merged)
		}
	}

	if m.outerHasDefault || m.innerHasDefault {
		if !m.mergeDefaults() {
			return nil
		}
	}
	if m.nextIndex == 0 {
		return nil
	}
	b := newBoundInfo(StrategyRange)
	b.Datums = datums
	b.Kind = kinds
	return m.finish(b, append(indexes, -1))
}
