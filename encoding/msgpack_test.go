package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_LooseInterfaces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"string", "p_2024_01", "p_2024_01"},
		{"bytes_become_string", []byte{0x00, 0x01, 0xFF}, string([]byte{0x00, 0x01, 0xFF})},
		{"int", int64(12345), int64(12345)},
		{"bool", true, true},
		{"nil", nil, nil},
		{"list", []any{"a", nil, int64(3)}, []any{"a", nil, int64(3)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			require.NoError(t, err)
			var out any
			require.NoError(t, Unmarshal(data, &out))
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestUnmarshal_Struct(t *testing.T) {
	t.Parallel()

	type bound struct {
		Strategy  byte
		Modulus   int
		Remainder int
		Values    []any
	}
	in := bound{Strategy: 'h', Modulus: 8, Remainder: 3}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out bound
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMarshal_ConcurrentBuffersIndependent(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				data, err := Marshal(map[string]any{"worker": int64(i), "iter": int64(j)})
				if !assert.NoError(t, err) {
					return
				}
				var out map[string]any
				if !assert.NoError(t, Unmarshal(data, &out)) {
					return
				}
				assert.Equal(t, int64(i), out["worker"])
				assert.Equal(t, int64(j), out["iter"])
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMarshal(b *testing.B) {
	data := map[string]any{
		"xid":     uint32(12345),
		"members": []uint32{1, 2, 3, 4, 5, 6, 7, 8},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(data)
	}
}
