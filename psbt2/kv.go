package psbt2

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMalformedPsbt is returned when PSBT bytes cannot be parsed:
	// missing magic, truncated sections or duplicate keys.
	ErrMalformedPsbt = errors.New("malformed psbt")
)

// psbtMagic is the five byte preamble of every PSBT: "psbt" followed by
// 0xff.
var psbtMagic = []byte{0x70, 0x73, 0x62, 0x74, 0xff}

// KV is one key/value record of a PSBT map. KeyType and KeyData together
// form the record's key.
type KV struct {
	KeyType uint64
	KeyData []byte
	Value   []byte
}

// Map is one ordered PSBT key/value map (the global map, or one input or
// output map). Order is preserved verbatim from the wire so an unmodified
// packet re-serializes byte for byte.
type Map []KV

// Get returns the value stored under the given key.
func (m Map) Get(keyType uint64, keyData []byte) ([]byte, bool) {
	for _, kv := range m {
		if kv.KeyType == keyType && bytes.Equal(kv.KeyData, keyData) {
			return kv.Value, true
		}
	}

	return nil, false
}

// GetAll returns every record with the given key type, in map order.
func (m Map) GetAll(keyType uint64) []KV {
	var out []KV
	for _, kv := range m {
		if kv.KeyType == keyType {
			out = append(out, kv)
		}
	}

	return out
}

// Set replaces the value stored under the key, or appends a new record
// when the key is absent.
func (m *Map) Set(keyType uint64, keyData, value []byte) {
	for i, kv := range *m {
		if kv.KeyType == keyType && bytes.Equal(kv.KeyData, keyData) {
			(*m)[i].Value = value
			return
		}
	}

	*m = append(*m, KV{KeyType: keyType, KeyData: keyData, Value: value})
}

// Delete removes every record with the given key type.
func (m *Map) Delete(keyType uint64) {
	out := (*m)[:0]
	for _, kv := range *m {
		if kv.KeyType != keyType {
			out = append(out, kv)
		}
	}

	*m = out
}

// Clone returns a deep copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for i, kv := range m {
		out[i] = KV{
			KeyType: kv.KeyType,
			KeyData: append([]byte(nil), kv.KeyData...),
			Value:   append([]byte(nil), kv.Value...),
		}
	}

	return out
}

// readMap parses one key/value map up to and including its 0x00
// terminator.
func readMap(r *bytes.Reader) (Map, error) {
	var m Map
	for {
		keyLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated map: %v",
				ErrMalformedPsbt, err)
		}

		// A zero key length terminates the map.
		if keyLen == 0 {
			return m, nil
		}

		// The length must fit in what is left of the input before we
		// allocate for it.
		if keyLen > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: key length %d exceeds %d "+
				"remaining bytes", ErrMalformedPsbt, keyLen,
				r.Len())
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("%w: truncated key: %v",
				ErrMalformedPsbt, err)
		}

		keyReader := bytes.NewReader(key)
		keyType, err := wire.ReadVarInt(keyReader, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: bad key type: %v",
				ErrMalformedPsbt, err)
		}
		keyData := key[len(key)-keyReader.Len():]

		valueLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated value "+
				"length: %v", ErrMalformedPsbt, err)
		}
		if valueLen > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: value length %d exceeds "+
				"%d remaining bytes", ErrMalformedPsbt,
				valueLen, r.Len())
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("%w: truncated value: %v",
				ErrMalformedPsbt, err)
		}

		if _, ok := m.Get(keyType, keyData); ok {
			return nil, fmt.Errorf("%w: duplicate key type %d",
				ErrMalformedPsbt, keyType)
		}

		m = append(m, KV{
			KeyType: keyType,
			KeyData: keyData,
			Value:   value,
		})
	}
}

// writeMap serializes one key/value map including its terminator.
func writeMap(w *bytes.Buffer, m Map) error {
	for _, kv := range m {
		var key bytes.Buffer
		if err := wire.WriteVarInt(&key, 0, kv.KeyType); err != nil {
			return err
		}
		key.Write(kv.KeyData)

		err := wire.WriteVarInt(w, 0, uint64(key.Len()))
		if err != nil {
			return err
		}
		w.Write(key.Bytes())

		err = wire.WriteVarInt(w, 0, uint64(len(kv.Value)))
		if err != nil {
			return err
		}
		w.Write(kv.Value)
	}

	return w.WriteByte(0x00)
}
