package partition

import (
	"strconv"
	"strings"

	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/pgerr"
)

// RangeDatumKind orders infinite range bound columns around finite ones.
type RangeDatumKind int8

const (
	MinValue RangeDatumKind = -1
	Value    RangeDatumKind = 0
	MaxValue RangeDatumKind = 1
)

// RangeDatum is one column of a range bound.
type RangeDatum struct {
	Kind  RangeDatumKind `msgpack:"k"`
	Value Datum          `msgpack:"v"`
}

// Val, Min and Max build range bound columns.
func Val(v Datum) RangeDatum { return RangeDatum{Kind: Value, Value: v} }

var (
	Min = RangeDatum{Kind: MinValue}
	Max = RangeDatum{Kind: MaxValue}
)

// BoundSpec is the bound of one partition as stored in the catalog.
type BoundSpec struct {
	Strategy  Strategy `msgpack:"s"`
	IsDefault bool     `msgpack:"d,omitempty"`

	Modulus   int32 `msgpack:"m,omitempty"`
	Remainder int32 `msgpack:"r,omitempty"`

	// ListDatums may contain nil, which makes the partition accept NULLs.
	ListDatums []Datum `msgpack:"l,omitempty"`

	Lower []RangeDatum `msgpack:"lo,omitempty"`
	Upper []RangeDatum `msgpack:"up,omitempty"`
}

// WithModulus builds FOR VALUES WITH (MODULUS m, REMAINDER r).
func WithModulus(modulus, remainder int32) *BoundSpec {
	return &BoundSpec{Strategy: StrategyHash, Modulus: modulus, Remainder: remainder}
}

// In builds FOR VALUES IN (...).
func In(values ...Datum) *BoundSpec {
	return &BoundSpec{Strategy: StrategyList, ListDatums: values}
}

// FromTo builds FOR VALUES FROM (lower) TO (upper).
func FromTo(lower, upper []RangeDatum) *BoundSpec {
	return &BoundSpec{Strategy: StrategyRange, Lower: lower, Upper: upper}
}

// Default builds the DEFAULT partition bound for a list or range key.
func Default(strategy Strategy) *BoundSpec {
	return &BoundSpec{Strategy: strategy, IsDefault: true}
}

// Transform checks spec against key and returns a copy whose datums are
// coerced to the key's operator classes.
func (s *BoundSpec) Transform(key *Key) (*BoundSpec, error) {
	if s.Strategy != key.Strategy {
		return nil, pgerr.New(pgerr.InvalidObjectDefinition, "invalid bound specification for a %s partition", key.Strategy)
	}
	out := &BoundSpec{Strategy: s.Strategy, IsDefault: s.IsDefault}
	if s.IsDefault {
		if key.Strategy == StrategyHash {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "a hash-partitioned table may not have a default partition")
		}
		return out, nil
	}
	switch key.Strategy {
	case StrategyHash:
		if s.Modulus <= 0 {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "modulus for hash partition must be an integer value greater than zero")
		}
		if s.Remainder < 0 {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "remainder for hash partition must be an integer value greater than or equal to zero")
		}
		if s.Remainder >= s.Modulus {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "remainder for hash partition must be less than modulus")
		}
		out.Modulus, out.Remainder = s.Modulus, s.Remainder
	case StrategyList:
		ops := key.OpClasses[0]
		seen := make([]Datum, 0, len(s.ListDatums))
		hasNull := false
		for i, v := range s.ListDatums {
			if v == nil {
				if !hasNull {
					out.ListDatums = append(out.ListDatums, nil)
				}
				hasNull = true
				continue
			}
			c, ok := ops.Coerce(v)
			if !ok {
				return nil, pgerr.New(pgerr.InvalidObjectDefinition, "specified value cannot be cast to the type of partition key column").WithPosition(i + 1)
			}
			dup := false
			for _, p := range seen {
				if ops.Compare(p, c) == 0 {
					dup = true
					break
				}
			}
			if !dup {
				seen = append(seen, c)
				out.ListDatums = append(out.ListDatums, c)
			}
		}
		if len(out.ListDatums) == 0 {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "list partition bound must contain at least one value")
		}
	case StrategyRange:
		var err error
		if out.Lower, err = transformRangeDatums(key, s.Lower, "FROM"); err != nil {
			return nil, err
		}
		if out.Upper, err = transformRangeDatums(key, s.Upper, "TO"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func transformRangeDatums(key *Key, in []RangeDatum, clause string) ([]RangeDatum, error) {
	if len(in) != key.NumAttrs() {
		return nil, pgerr.New(pgerr.InvalidObjectDefinition, "%s must specify exactly one value per partitioning column", clause)
	}
	out := make([]RangeDatum, len(in))
	for i, d := range in {
		if i > 0 && in[i-1].Kind != Value && d.Kind != in[i-1].Kind {
			if in[i-1].Kind == MinValue {
				return nil, pgerr.New(pgerr.InvalidObjectDefinition, "every bound following MINVALUE must also be MINVALUE").WithPosition(i + 1)
			}
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "every bound following MAXVALUE must also be MAXVALUE").WithPosition(i + 1)
		}
		out[i].Kind = d.Kind
		if d.Kind != Value {
			continue
		}
		if d.Value == nil {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "cannot specify NULL in range bound").WithPosition(i + 1)
		}
		c, ok := key.OpClasses[i].Coerce(d.Value)
		if !ok {
			return nil, pgerr.New(pgerr.InvalidObjectDefinition, "specified value cannot be cast to the type of partition key column").WithPosition(i + 1)
		}
		out[i].Value = c
	}
	return out, nil
}

// String deparses the bound the way it is shown in table definitions.
// Datums are formatted generically; use Format for key-aware output.
func (s *BoundSpec) String() string {
	return s.Format(nil)
}

// Format deparses the bound, formatting datums with key's operator classes
// when key is not nil.
func (s *BoundSpec) Format(key *Key) string {
	if s.IsDefault {
		return "DEFAULT"
	}
	var sb strings.Builder
	sb.WriteString("FOR VALUES ")
	switch s.Strategy {
	case StrategyHash:
		sb.WriteString("WITH (MODULUS ")
		sb.WriteString(strconv.Itoa(int(s.Modulus)))
		sb.WriteString(", REMAINDER ")
		sb.WriteString(strconv.Itoa(int(s.Remainder)))
		sb.WriteString(")")
	case StrategyList:
		sb.WriteString("IN (")
		for i, v := range s.ListDatums {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(formatDatum(key, 0, v))
		}
		sb.WriteString(")")
	case StrategyRange:
		sb.WriteString("FROM ")
		formatRange(&sb, key, s.Lower)
		sb.WriteString(" TO ")
		formatRange(&sb, key, s.Upper)
	}
	return sb.String()
}

func formatRange(sb *strings.Builder, key *Key, datums []RangeDatum) {
	sb.WriteString("(")
	for i, d := range datums {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch d.Kind {
		case MinValue:
			sb.WriteString("MINVALUE")
		case MaxValue:
			sb.WriteString("MAXVALUE")
		default:
			sb.WriteString(formatDatum(key, i, d.Value))
		}
	}
	sb.WriteString(")")
}

func formatDatum(key *Key, col int, v Datum) string {
	if v == nil {
		return "NULL"
	}
	if key != nil && col < key.NumAttrs() {
		if c, ok := key.OpClasses[col].Coerce(v); ok {
			return key.OpClasses[col].Format(c)
		}
	}
	switch x := v.(type) {
	case string:
		return TextOps.Format(x)
	case bool:
		return BoolOps.Format(x)
	case float64:
		return Float8Ops.Format(x)
	}
	if i, ok := Int8Ops.Coerce(v); ok {
		return Int8Ops.Format(i)
	}
	return "?"
}

// EncodeBound serializes a bound for the catalog.
func EncodeBound(s *BoundSpec) ([]byte, error) {
	return encoding.Marshal(s)
}

// DecodeBound parses a catalog bound and coerces it against key.
func DecodeBound(key *Key, data []byte) (*BoundSpec, error) {
	var s BoundSpec
	if err := encoding.Unmarshal(data, &s); err != nil {
		return nil, pgerr.New(pgerr.DataCorrupted, "invalid relpartbound: %v", err)
	}
	return s.Transform(key)
}
