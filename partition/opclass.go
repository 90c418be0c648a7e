package partition

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// OpClass supplies ordering, hashing and display for one key column type.
// Compare and Hash are only called with values Coerce accepted.
type OpClass interface {
	Name() string
	// Coerce converts v to the canonical Go representation.
	Coerce(v Datum) (Datum, bool)
	Compare(a, b Datum) int
	Hash(v Datum, seed uint64) uint64
	Format(v Datum) string
}

// Built-in operator classes.
var (
	Int8Ops   OpClass = int8Ops{}
	TextOps   OpClass = textOps{}
	Float8Ops OpClass = float8Ops{}
	BoolOps   OpClass = boolOps{}
)

func hashBytes(seed uint64, b []byte) uint64 {
	d := xxhash.New()
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	_, _ = d.Write(s[:])
	_, _ = d.Write(b)
	return d.Sum64()
}

func hashUint64(seed, v uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:], v)
	return xxhash.Sum64(buf[:])
}

type int8Ops struct{}

func (int8Ops) Name() string { return "int8_ops" }

func (int8Ops) Coerce(v Datum) (Datum, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return nil, false
}

func (int8Ops) Compare(a, b Datum) int {
	x, y := a.(int64), b.(int64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (int8Ops) Hash(v Datum, seed uint64) uint64 { return hashUint64(seed, uint64(v.(int64))) }

func (int8Ops) Format(v Datum) string { return strconv.FormatInt(v.(int64), 10) }

type textOps struct{}

func (textOps) Name() string { return "text_ops" }

func (textOps) Coerce(v Datum) (Datum, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return nil, false
}

func (textOps) Compare(a, b Datum) int { return strings.Compare(a.(string), b.(string)) }

func (textOps) Hash(v Datum, seed uint64) uint64 { return hashBytes(seed, []byte(v.(string))) }

func (textOps) Format(v Datum) string {
	return "'" + strings.ReplaceAll(v.(string), "'", "''") + "'"
}

type float8Ops struct{}

func (float8Ops) Name() string { return "float8_ops" }

func (float8Ops) Coerce(v Datum) (Datum, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := Int8Ops.Coerce(v); ok {
		return float64(i.(int64)), true
	}
	return nil, false
}

// Compare sorts NaN above every other value, as the SQL float types do.
func (float8Ops) Compare(a, b Datum) int {
	x, y := a.(float64), b.(float64)
	switch {
	case math.IsNaN(x) && math.IsNaN(y):
		return 0
	case math.IsNaN(x):
		return 1
	case math.IsNaN(y):
		return -1
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (float8Ops) Hash(v Datum, seed uint64) uint64 {
	f := v.(float64)
	if f == 0 {
		// -0 and +0 are equal so they must hash alike.
		f = 0
	}
	return hashUint64(seed, math.Float64bits(f))
}

func (float8Ops) Format(v Datum) string { return strconv.FormatFloat(v.(float64), 'g', -1, 64) }

type boolOps struct{}

func (boolOps) Name() string { return "bool_ops" }

func (boolOps) Coerce(v Datum) (Datum, bool) {
	b, ok := v.(bool)
	return b, ok
}

func (boolOps) Compare(a, b Datum) int {
	x, y := a.(bool), b.(bool)
	switch {
	case x == y:
		return 0
	case !x:
		return -1
	}
	return 1
}

func (boolOps) Hash(v Datum, seed uint64) uint64 {
	var u uint64
	if v.(bool) {
		u = 1
	}
	return hashUint64(seed, u)
}

func (boolOps) Format(v Datum) string { return strconv.FormatBool(v.(bool)) }
