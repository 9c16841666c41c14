package keys

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source tags where the active key came from.
type Source string

const (
	SourceOperator  Source = "operator"
	SourceGenerated Source = "generated"
)

// Material is a resolved key with its provenance.
type Material struct {
	Key       []byte
	CreatedAt time.Time
	Source    Source
}

// Info describes the active key without exposing it.
type Info struct {
	CreatedAt time.Time `json:"created_at"`
	Source    Source    `json:"source"`
	Origin    string    `json:"origin,omitempty"`
}

func (m *Material) clone() *Material {
	if m == nil {
		return nil
	}
	return &Material{
		Key:       bytes.Clone(m.Key),
		CreatedAt: m.CreatedAt,
		Source:    m.Source,
	}
}

// metadataFile is the on-disk form of a generated key.
type metadataFile struct {
	Key       string `json:"key"`
	CreatedAt int64  `json:"createdAt"` // epoch milliseconds
	Source    Source `json:"source"`
}

func encodeMetadata(m *Material) ([]byte, error) {
	return json.MarshalIndent(metadataFile{
		Key:       hex.EncodeToString(m.Key),
		CreatedAt: m.CreatedAt.UnixMilli(),
		Source:    m.Source,
	}, "", "  ")
}

// errMalformedMetadata marks a key metadata file that exists but cannot be parsed.
var errMalformedMetadata = errors.New("malformed key metadata")

func decodeMetadata(data []byte) (*Material, error) {
	var f metadataFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedMetadata, err)
	}
	key, err := hex.DecodeString(f.Key)
	if err != nil || len(key) != keySize {
		return nil, fmt.Errorf("%w: invalid key", errMalformedMetadata)
	}
	if f.CreatedAt <= 0 {
		return nil, fmt.Errorf("%w: no creation time", errMalformedMetadata)
	}
	source := f.Source
	if source == "" {
		source = SourceGenerated
	}
	return &Material{
		Key:       key,
		CreatedAt: time.UnixMilli(f.CreatedAt),
		Source:    source,
	}, nil
}

// ParseOperatorKey accepts 64 hex characters or a raw 32-byte string.
func ParseOperatorKey(value string) ([]byte, bool) {
	value = strings.TrimSpace(value)
	if len(value) == 2*keySize {
		if key, err := hex.DecodeString(value); err == nil {
			return key, true
		}
	}
	if len(value) == keySize {
		return []byte(value), true
	}
	return nil, false
}
