package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates the two wire-level ciphertext kinds. It is
// a closed set: unmarshalling any other tag fails, so a new kind
// requires an explicit addition here.
type MessageKind int

const (
	// KindPreKey marks a message carrying enough handshake data for a
	// recipient without a session to bootstrap one.
	KindPreKey MessageKind = iota + 1
	// KindOrdinary marks a message requiring an existing session.
	KindOrdinary
)

const (
	tagPreKey   = "PreKeyMessage"
	tagOrdinary = "OrdinaryMessage"
)

// String returns the wire tag for the kind.
func (k MessageKind) String() string {
	switch k {
	case KindPreKey:
		return tagPreKey
	case KindOrdinary:
		return tagOrdinary
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// MarshalJSON encodes the kind as its wire tag.
func (k MessageKind) MarshalJSON() ([]byte, error) {
	switch k {
	case KindPreKey, KindOrdinary:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("protocol: unknown message kind %d", int(k))
	}
}

// UnmarshalJSON decodes a wire tag, rejecting unknown tags.
func (k *MessageKind) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag {
	case tagPreKey:
		*k = KindPreKey
	case tagOrdinary:
		*k = KindOrdinary
	default:
		return fmt.Errorf("protocol: unknown message kind %q", tag)
	}
	return nil
}

// Encrypted is the only shape crossing the boundary to the transport
// layer: a kind tag and a transport-safe body.
type Encrypted struct {
	Kind MessageKind `json:"type"`
	Body string      `json:"body"`
}

// Legacy wraps a raw-string ciphertext in the structured form. The
// legacy wire format carried prekey-form messages as bare strings.
func Legacy(raw string) Encrypted {
	return Encrypted{Kind: KindPreKey, Body: raw}
}
