// Package encoding provides the serialization used for persisted state:
// WAL record payloads, partition bound specs and checkpoint blobs. All
// msgpack operations go through this package so decoding is consistent.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

type encoderPoolEntry struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() any {
		e := &encoderPoolEntry{}
		e.enc = msgpack.NewEncoder(&e.buf)
		return e
	},
}

// Marshal encodes a value to msgpack format.
func Marshal(v any) ([]byte, error) {
	entry := encoderPool.Get().(*encoderPoolEntry)
	defer encoderPool.Put(entry)
	entry.buf.Reset()

	if err := entry.enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(entry.buf.Bytes()), nil
}

// Unmarshal decodes msgpack data. When decoding into interface values,
// binary strings come back as Go strings and integers as int64/uint64.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
