package partition

import (
	"strings"

	"github.com/maxpert/txcore/pgerr"
)

// CheckNewPartitionBound verifies that a partition named relname with
// bound spec can join a relation whose current bounds are b. names maps
// canonical partition indexes to relation names for error messages.
//
// Errors carry InvalidObjectDefinition. For list and range bounds the
// error position is the 1-based value or column that overlaps.
func CheckNewPartitionBound(key *Key, b *BoundInfo, names []string, relname string, spec *BoundSpec) error {
	spec, err := spec.Transform(key)
	if err != nil {
		return err
	}
	name := func(i int) string {
		if i >= 0 && i < len(names) {
			return names[i]
		}
		return "?"
	}

	if spec.IsDefault {
		if !b.HasDefault() {
			return nil
		}
		return pgerr.New(pgerr.InvalidObjectDefinition,
			"partition %q conflicts with existing default partition %q", relname, name(b.DefaultIndex))
	}

	with, pos := -1, 0
	switch key.Strategy {
	case StrategyHash:
		if b == nil || len(b.Datums) == 0 {
			break
		}
		if err := checkHashModulus(b, spec, name); err != nil {
			return err
		}
		greatest := b.GreatestHashModulus()
		remainder := int(spec.Remainder)
		if remainder >= greatest {
			remainder %= greatest
		}
		for ; remainder < greatest; remainder += int(spec.Modulus) {
			if b.Indexes[remainder] != -1 {
				with = b.Indexes[remainder]
				break
			}
		}

	case StrategyList:
		if b == nil {
			break
		}
		for i, v := range spec.ListDatums {
			if v == nil {
				if b.AcceptsNulls() {
					with, pos = b.NullIndex, i+1
					break
				}
				continue
			}
			if off, equal := ListBsearch(key, b, v); off >= 0 && equal {
				with, pos = b.Indexes[off], i+1
				break
			}
		}

	case StrategyRange:
		lower := makeRangeBound(-1, spec.Lower, true)
		upper := makeRangeBound(-1, spec.Upper, false)
		// The lower flags differ, so the comparison is never zero.
		if cmpval := compareBounds(key, lower, upper); cmpval > 0 {
			return pgerr.New(pgerr.InvalidObjectDefinition, "empty range bound specified for partition %q", relname).
				WithDetail("Specified lower bound %s is greater than or equal to upper bound %s.",
					formatRangeDatums(key, spec.Lower), formatRangeDatums(key, spec.Upper)).
				WithPosition(cmpval)
		}
		if b == nil || len(b.Datums) == 0 {
			break
		}
		off, cmpval := rangeBsearch(key, b, lower)
		if b.Indexes[off+1] < 0 {
			// The lower bound falls in a gap; the upper bound must not reach
			// past the next partition's lower bound.
			if off+1 < len(b.Datums) {
				c := RangeBoundCmp(key, b.Datums[off+1], b.Kind[off+1], b.Indexes[off+1] == -1, upper)
				if c < 0 {
					with, pos = b.Indexes[off+2], abs(c)
				}
			}
		} else {
			with = b.Indexes[off+1]
			pos = 1
			if cmpval != 0 {
				pos = abs(cmpval)
			}
		}
	}

	if with >= 0 {
		return pgerr.New(pgerr.InvalidObjectDefinition, "partition %q would overlap partition %q", relname, name(with)).
			WithPosition(pos)
	}
	return nil
}

// checkHashModulus enforces that every modulus divides the next larger
// one. Only the neighbours of the new pair need checking.
func checkHashModulus(b *BoundInfo, spec *BoundSpec, name func(int) string) error {
	modulus := int(spec.Modulus)
	off, _ := HashBsearch(b, modulus, int(spec.Remainder))
	partOf := func(i int) string {
		_, r := b.hashDatum(i)
		return name(b.Indexes[r])
	}
	errFactor := func() *pgerr.Error {
		return pgerr.New(pgerr.InvalidObjectDefinition, "every hash partition modulus must be a factor of the next larger modulus")
	}
	if off < 0 {
		next, _ := b.hashDatum(0)
		if next%modulus != 0 {
			return errFactor().WithDetail("The new modulus %d is not a factor of %d, the modulus of existing partition %q.",
				modulus, next, partOf(0))
		}
		return nil
	}
	prev, _ := b.hashDatum(off)
	if modulus%prev != 0 {
		return errFactor().WithDetail("The new modulus %d is not divisible by %d, the modulus of existing partition %q.",
			modulus, prev, partOf(off))
	}
	if off+1 < len(b.Datums) {
		next, _ := b.hashDatum(off + 1)
		if next%modulus != 0 {
			return errFactor().WithDetail("The new modulus %d is not a factor of %d, the modulus of existing partition %q.",
				modulus, next, partOf(off+1))
		}
	}
	return nil
}

func formatRangeDatums(key *Key, datums []RangeDatum) string {
	var sb strings.Builder
	formatRange(&sb, key, datums)
	return sb.String()
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
