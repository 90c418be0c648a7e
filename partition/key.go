// Package partition implements canonical partition bounds: building them
// from partition specs, searching them for tuple routing and pruning,
// checking new partitions for overlap and merging two relations' bounds
// for partitionwise joins.
package partition

import (
	"fmt"

	"github.com/maxpert/txcore/pgerr"
)

// MaxKeys bounds the number of partition key columns.
const MaxKeys = 32

// Strategy is the partitioning method.
type Strategy uint8

const (
	StrategyHash  Strategy = 'h'
	StrategyList  Strategy = 'l'
	StrategyRange Strategy = 'r'
)

func (s Strategy) String() string {
	switch s {
	case StrategyHash:
		return "hash"
	case StrategyList:
		return "list"
	case StrategyRange:
		return "range"
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// Datum is a partition key value; nil is SQL NULL.
type Datum = any

// Key describes how a relation is partitioned. It never changes once the
// relation exists.
type Key struct {
	Strategy Strategy
	// Attrs holds attribute numbers; zero marks an expression column whose
	// text is in Exprs.
	Attrs      []int16
	Exprs      []string
	OpClasses  []OpClass
	Collations []uint32
}

// NewKey builds a key over columns 1..n with the given operator classes.
func NewKey(strategy Strategy, opclasses ...OpClass) (*Key, error) {
	switch {
	case strategy != StrategyHash && strategy != StrategyList && strategy != StrategyRange:
		return nil, pgerr.New(pgerr.InvalidParameterValue, "unrecognized partitioning strategy %q", byte(strategy))
	case len(opclasses) == 0:
		return nil, pgerr.New(pgerr.InvalidObjectDefinition, "partition key must have at least one column")
	case len(opclasses) > MaxKeys:
		return nil, pgerr.New(pgerr.InvalidObjectDefinition, "cannot partition using more than %d columns", MaxKeys)
	case strategy == StrategyList && len(opclasses) > 1:
		return nil, pgerr.New(pgerr.InvalidObjectDefinition, "cannot use \"list\" partition strategy with more than one column")
	}
	k := &Key{
		Strategy:   strategy,
		Attrs:      make([]int16, len(opclasses)),
		Exprs:      make([]string, len(opclasses)),
		OpClasses:  opclasses,
		Collations: make([]uint32, len(opclasses)),
	}
	for i := range k.Attrs {
		k.Attrs[i] = int16(i + 1)
	}
	return k, nil
}

// NumAttrs is the number of key columns.
func (k *Key) NumAttrs() int { return len(k.OpClasses) }

func (k *Key) compare(col int, a, b Datum) int {
	return k.OpClasses[col].Compare(a, b)
}
