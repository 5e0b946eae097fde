package storage

import (
	"encoding/json"
	"fmt"
)

// envelopeVer is the current envelope format.
const envelopeVer = 1

// Envelope is a stored record: a JSON payload plus the version used for CAS.
type Envelope struct {
	Ver     int    `json:"ver"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// EncodeRecord marshals v into an Envelope carrying the given version.
func EncodeRecord(v any, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Envelope{
		Ver:     envelopeVer,
		Data:    data,
		Version: version,
	}, nil
}

// DecodeRecord unmarshals the envelope payload into v.
func DecodeRecord(envelope *Envelope, v any) error {
	if envelope == nil {
		return fmt.Errorf("decoding record: nil envelope")
	}
	if envelope.Ver != envelopeVer {
		return fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// CloneEnvelope returns a deep copy of env.
func CloneEnvelope(env *Envelope) *Envelope {
	if env == nil {
		return nil
	}
	return &Envelope{
		Ver:     env.Ver,
		Data:    append([]byte(nil), env.Data...),
		Version: env.Version,
	}
}
