// Package position holds resumable checkpoints for the inventory and
// incremental passes.
//
// A Position is opaque to the pipeline: it is produced by a dumper, carried
// on every record and handed back to the position Manager once every
// importer has applied the records before it. Positions of one stream are
// totally ordered.
package position

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Type tags a concrete position kind. Each registered type carries the
// decoder used to restore it from its serialized form.
type Type string

const (
	TypeInventory   Type = "pk"
	TypeIncremental Type = "log"
)

// Position is a comparable checkpoint within one source stream.
type Position interface {
	Type() Type
	// Compare returns -1, 0 or 1. Positions of a different Type are ordered
	// by their type name.
	Compare(other Position) int
	String() string
}

// Decoder restores a position from the JSON body written by Marshal.
type Decoder func(body []byte) (Position, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[Type]Decoder{}
)

// RegisterType makes a position type available to Unmarshal.
func RegisterType(t Type, decoder Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[t] = decoder
}

func init() {
	RegisterType(TypeInventory, func(body []byte) (Position, error) {
		var p InventoryPosition
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
	RegisterType(TypeIncremental, func(body []byte) (Position, error) {
		var p IncrementalPosition
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Marshal encodes a position as "<type>:<json>".
func Marshal(p Position) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil position")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s position: %w", p.Type(), err)
	}
	return string(p.Type()) + ":" + string(body), nil
}

// Unmarshal decodes a string produced by Marshal.
func Unmarshal(s string) (Position, error) {
	typ, body, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed position %q", s)
	}

	decodersMu.RLock()
	decoder, found := decoders[Type(typ)]
	decodersMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("unknown position type %q", typ)
	}

	p, err := decoder([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s position: %w", typ, err)
	}
	return p, nil
}

func compareTypes(a, b Type) int {
	return strings.Compare(string(a), string(b))
}

func compareInts[T int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
