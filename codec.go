package fieldsync

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Payload blob header flags. The first byte of every stored blob records
// how it was encoded so the flags can change between releases without a
// migration.
const (
	codecFlagCompressed = 1 << 0
	codecFlagEncrypted  = 1 << 1
)

// payloadCodec encodes records for local storage: JSON, optionally
// snappy-compressed, optionally encrypted at rest.
type payloadCodec struct {
	compress  bool
	encryptor *Encryptor
}

// encode serializes v into a flagged payload blob.
func (c payloadCodec) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var flags byte
	if c.compress {
		data = snappy.Encode(nil, data)
		flags |= codecFlagCompressed
	}
	if c.encryptor != nil {
		data, err = c.encryptor.Encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		flags |= codecFlagEncrypted
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, flags)
	return append(out, data...), nil
}

// decode deserializes a flagged payload blob into v.
func (c payloadCodec) decode(blob []byte, v any) error {
	if len(blob) == 0 {
		return fmt.Errorf("empty payload")
	}
	flags, data := blob[0], blob[1:]
	var err error
	if flags&codecFlagEncrypted != 0 {
		if c.encryptor == nil {
			return fmt.Errorf("payload is encrypted but no key is configured")
		}
		data, err = c.encryptor.Decrypt(data)
		if err != nil {
			return fmt.Errorf("decrypt payload: %w", err)
		}
	}
	if flags&codecFlagCompressed != 0 {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("decompress payload: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
