package engine

import (
	"encoding/json"
	"fmt"
)

// Handshake carries the X3DH parameters embedded in every prekey-form
// message. It stays attached to an initiator's session until the first
// reply from the peer confirms the session is established on both
// ends.
type Handshake struct {
	IdentityKey    X25519Public `json:"identityKey"`  // initiator identity DH public
	EphemeralKey   X25519Public `json:"ephemeralKey"` // initiator X3DH ephemeral public
	RegistrationID uint32       `json:"registrationId"`
	SignedPreKeyID uint32       `json:"signedPreKeyId"`
	PreKeyID       *uint32      `json:"preKeyId,omitempty"` // consumed one-time prekey, if any
}

// SessionState is the full ratchet and peer metadata for one
// peer-device. The key store treats its serialized form as opaque.
type SessionState struct {
	PeerIdentityKey    X25519Public `json:"peerIdentityKey"`
	PeerRegistrationID uint32       `json:"peerRegistrationId"`
	UsedPreKeyID       *uint32      `json:"usedPreKeyId,omitempty"`
	AD                 []byte       `json:"ad"` // associated data binding both identities
	Ratchet            ratchetState `json:"ratchet"`
	Pending            *Handshake   `json:"pending,omitempty"`
	CreatedAt          int64        `json:"createdAt"` // unix seconds
}

// Marshal serializes the session state for durable storage.
func (s *SessionState) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSessionState reconstructs a session state from its
// serialized form.
func UnmarshalSessionState(data []byte) (*SessionState, error) {
	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("engine: unmarshal session: %w", err)
	}
	return &s, nil
}

// associatedData binds the two identity keys into the AEAD associated
// data, initiator first on both sides.
func associatedData(initiator, responder X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator[:]...)
	ad = append(ad, responder[:]...)
	return ad
}
