package partition

import (
	"github.com/maxpert/txcore/pgerr"
)

// HashPartitionSeed seeds every column hash so partition placement does
// not correlate with hash joins on the same columns.
const HashPartitionSeed uint64 = 0x7A5B22367996DCFD

func hashCombine64(a, b uint64) uint64 {
	a ^= b + 0x49a0f4dd15e5a8e3 + (a << 54) + (a >> 7)
	return a
}

// ComputeHashValue combines the seeded hashes of the non-NULL key values.
// values must already be coerced to the key's operator classes.
func ComputeHashValue(key *Key, values []Datum) uint64 {
	var rowHash uint64
	for i, v := range values {
		if v == nil {
			continue
		}
		rowHash = hashCombine64(rowHash, key.OpClasses[i].Hash(v, HashPartitionSeed))
	}
	return rowHash
}

// coerceValues converts values to the key's canonical representations.
func coerceValues(key *Key, values []Datum) ([]Datum, error) {
	if len(values) != key.NumAttrs() {
		return nil, pgerr.New(pgerr.InvalidParameterValue,
			"number of partitioning columns (%d) does not match number of partition keys provided (%d)",
			key.NumAttrs(), len(values))
	}
	out := make([]Datum, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		c, ok := key.OpClasses[i].Coerce(v)
		if !ok {
			return nil, pgerr.New(pgerr.InvalidParameterValue,
				"column %d of the partition key has type %s, but supplied value is of type %T", i+1, key.OpClasses[i].Name(), v)
		}
		out[i] = c
	}
	return out, nil
}

// SatisfiesHashPartition reports whether values hash into the partition
// (modulus, remainder).
func SatisfiesHashPartition(key *Key, modulus, remainder int, values ...Datum) (bool, error) {
	if key.Strategy != StrategyHash {
		return false, pgerr.New(pgerr.InvalidParameterValue, "relation is not a hash partitioned table")
	}
	if modulus <= 0 {
		return false, pgerr.New(pgerr.InvalidParameterValue, "modulus for hash partition must be an integer value greater than zero")
	}
	if remainder < 0 {
		return false, pgerr.New(pgerr.InvalidParameterValue, "remainder for hash partition must be an integer value greater than or equal to zero")
	}
	if remainder >= modulus {
		return false, pgerr.New(pgerr.InvalidParameterValue, "remainder for hash partition must be less than modulus")
	}
	vals, err := coerceValues(key, values)
	if err != nil {
		return false, err
	}
	return ComputeHashValue(key, vals)%uint64(modulus) == uint64(remainder), nil
}
