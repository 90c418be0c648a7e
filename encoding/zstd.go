package encoding

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoders = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
			if err != nil {
				panic(err)
			}
			return enc
		},
	}
	decoders = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				panic(err)
			}
			return dec
		},
	}
)

// Compress zstd-compresses src.
func Compress(src []byte) []byte {
	enc := encoders.Get().(*zstd.Encoder)
	defer encoders.Put(enc)
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2))
}

// Decompress reverses Compress.
func Decompress(src []byte) ([]byte, error) {
	dec := decoders.Get().(*zstd.Decoder)
	defer decoders.Put(dec)
	return dec.DecodeAll(src, nil)
}

// MarshalCompressed is Marshal followed by Compress.
func MarshalCompressed(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(data), nil
}

// UnmarshalCompressed is Decompress followed by Unmarshal.
func UnmarshalCompressed(data []byte, v any) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
