// Package encoding provides msgpack serialization for change events carried
// over message brokers. All msgpack operations go through this package so
// decoded row values have consistent Go types.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// Strings decode as Go strings rather than []byte, which keeps TEXT primary
// keys comparable when they are written back to SQLite.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// NormalizeRow rewrites decoded values in place with Normalize.
func NormalizeRow(row map[string]interface{}) map[string]interface{} {
	for k, v := range row {
		row[k] = Normalize(v)
	}
	return row
}

// Normalize widens the sized integer and float types msgpack produces to
// int64 and float64, the types database/sql drivers round-trip.
func Normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n)
		}
		return uint64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return n
	case float32:
		return float64(n)
	}
	return v
}
