// Package codec implements the three wire encodings named by the
// WebSocket subprotocol tokens fixed in spec.md §6 ("encoding.{json|cbor|bare}"):
// json via json-iterator, cbor via fxamacker/cbor, and a minimal hand-rolled
// bare codec (no BARE library exists anywhere in the retrieved example pack;
// see DESIGN.md for that justification).
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

// Encoding names one of the three wire encodings negotiated over the
// WebSocket subprotocol.
type Encoding string

const (
	JSON Encoding = "json"
	CBOR Encoding = "cbor"
	BARE Encoding = "bare"
)

// Valid reports whether enc is one of the three supported encodings.
func (enc Encoding) Valid() bool {
	switch enc {
	case JSON, CBOR, BARE:
		return true
	default:
		return false
	}
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var cborMode, _ = cbor.CanonicalEncOptions().EncMode()

// Marshal serializes v using the wire encoding named by enc.
func Marshal(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case JSON, "":
		return json.Marshal(v)
	case CBOR:
		return cborMode.Marshal(v)
	case BARE:
		return bareMarshal(v)
	default:
		return nil, fmt.Errorf("codec: unknown encoding %q", enc)
	}
}

// Unmarshal deserializes data into v using the wire encoding named by enc.
func Unmarshal(enc Encoding, data []byte, v any) error {
	switch enc {
	case JSON, "":
		return json.Unmarshal(data, v)
	case CBOR:
		return cbor.Unmarshal(data, v)
	case BARE:
		return bareUnmarshal(data, v)
	default:
		return fmt.Errorf("codec: unknown encoding %q", enc)
	}
}
