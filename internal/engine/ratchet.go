package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	aeadKeySize  = 32
	maxSkippedMK = 1000
)

// ratchetHeader travels in cleartext alongside every ciphertext and is
// authenticated as part of the AEAD associated data.
type ratchetHeader struct {
	DHPub []byte `json:"dh"`
	PN    uint32 `json:"pn"` // messages in the previous sending chain
	N     uint32 `json:"n"`  // message number in the current chain
}

// ratchetState is the Double Ratchet state for one session.
// Skipped message keys are indexed by hex(peerDHPub || counter).
type ratchetState struct {
	RootKey   []byte            `json:"rootKey"`
	DHPriv    X25519Private     `json:"dhPriv"`
	DHPub     X25519Public      `json:"dhPub"`
	PeerDHPub X25519Public      `json:"peerDhPub"`
	SendCK    []byte            `json:"sendCk,omitempty"`
	RecvCK    []byte            `json:"recvCk,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped,omitempty"`
}

// initAsInitiator seeds the sending chain from the X3DH root using a
// fresh ratchet key against the peer's identity key. The receiving
// chain stays empty until the peer's first reply carries its ratchet
// public.
func initAsInitiator(root []byte, peerIdentity X25519Public) (ratchetState, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return ratchetState{}, err
	}

	secret, err := dh(priv, peerIdentity)
	if err != nil {
		return ratchetState{}, err
	}
	newRoot, sendCK := kdfRootChain(root, secret[:])
	zero(secret[:])

	return ratchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // placeholder until the first remote ratchet pub arrives
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// initAsResponder seeds the receiving chain from the X3DH root using
// our identity private and the initiator's ratchet public taken from
// the first message header.
func initAsResponder(root []byte, ourIDPriv X25519Private, senderRatchetPub X25519Public) (ratchetState, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return ratchetState{}, err
	}

	secret, err := dh(ourIDPriv, senderRatchetPub)
	if err != nil {
		return ratchetState{}, err
	}
	newRoot, recvCK := kdfRootChain(root, secret[:])
	zero(secret[:])

	return ratchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// ratchetEncrypt advances the sending chain and seals plaintext.
// A responder's first send performs a DH ratchet step to initialise
// its sending chain.
func ratchetEncrypt(st *ratchetState, ad, plaintext []byte) (ratchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		st.PN = st.Ns
		st.Ns = 0

		priv, pub, err := GenerateX25519()
		if err != nil {
			return ratchetHeader{}, nil, err
		}
		secret, err := dh(priv, st.PeerDHPub)
		if err != nil {
			return ratchetHeader{}, nil, err
		}
		newRoot, sendCK := kdfRootChain(st.RootKey, secret[:])
		zero(secret[:])

		st.RootKey = newRoot
		st.DHPriv, st.DHPub = priv, pub
		st.SendCK = sendCK
	}

	mk := kdfChain(&st.SendCK)
	header := ratchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, header, ad, plaintext)
	zero(mk)
	if err != nil {
		return ratchetHeader{}, nil, err
	}
	st.Ns++
	return header, ct, nil
}

// ratchetDecrypt opens a message, trying skipped keys first and
// performing a DH ratchet step when the header carries a new remote
// ratchet public.
func ratchetDecrypt(st *ratchetState, ad []byte, header ratchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, fmt.Errorf("engine: ratchet header key is %d bytes", len(header.DHPub))
	}
	var remote X25519Public
	copy(remote[:], header.DHPub)

	// Out-of-order delivery: the key may have been derived and parked
	// already, possibly under a ratchet key we have since moved past.
	if mk, ok := st.Skipped[skippedKeyID(remote, header.N)]; ok {
		delete(st.Skipped, skippedKeyID(remote, header.N))
		pt, err := open(mk, header, ad, ciphertext)
		zero(mk)
		return pt, err
	}

	if remote == st.PeerDHPub {
		if err := skipUntil(st, header.N); err != nil {
			return nil, err
		}
	} else {
		// New remote ratchet key: finish the old receiving chain,
		// then advance both chains.
		if len(st.RecvCK) != 0 {
			if err := skipUntil(st, header.PN); err != nil {
				return nil, err
			}
		}

		secret, err := dh(st.DHPriv, remote)
		if err != nil {
			return nil, err
		}
		rootAfterRecv, recvCK := kdfRootChain(st.RootKey, secret[:])
		zero(secret[:])

		priv, pub, err := GenerateX25519()
		if err != nil {
			return nil, err
		}
		secret2, err := dh(priv, remote)
		if err != nil {
			return nil, err
		}
		rootAfterSend, sendCK := kdfRootChain(rootAfterRecv, secret2[:])
		zero(secret2[:])

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rootAfterSend
		st.DHPriv, st.DHPub = priv, pub
		st.PeerDHPub = remote
		st.SendCK, st.RecvCK = sendCK, recvCK

		if err := skipUntil(st, header.N); err != nil {
			return nil, err
		}
	}

	mk := kdfChainRecv(st)
	if mk == nil {
		return nil, fmt.Errorf("engine: receiving chain is uninitialised")
	}
	pt, err := open(mk, header, ad, ciphertext)
	zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

func seal(mk []byte, header ratchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.N)
	full := append(append([]byte(nil), ad...), headerBytes(header)...)
	return aead.Seal(nil, nonce, plaintext, full), nil
}

func open(mk []byte, header ratchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.N)
	full := append(append([]byte(nil), ad...), headerBytes(header)...)
	return aead.Open(nil, nonce, ciphertext, full)
}

func headerBytes(h ratchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// kdfRootChain advances the root key with a DH output, yielding the
// new root and a fresh chain key.
func kdfRootChain(root, secret []byte) (newRoot, ck []byte) {
	r := hkdf.New(sha256.New, secret, root, []byte("DR|rk"))
	newRoot = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRoot)
	_, _ = io.ReadFull(r, ck)
	return newRoot, ck
}

// kdfChain steps a chain key in place and returns the message key.
func kdfChain(ck *[]byte) []byte {
	r := hkdf.New(sha256.New, *ck, nil, []byte("DR|ck"))
	next := make([]byte, 32)
	mk := make([]byte, 32)
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, mk)
	*ck = next
	return mk
}

func kdfChainRecv(st *ratchetState) []byte {
	if len(st.RecvCK) == 0 {
		return nil
	}
	return kdfChain(&st.RecvCK)
}

func skippedKeyID(peer X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

// skipUntil derives and caches message keys up to n, with a hard cap
// on retained skipped keys.
func skipUntil(st *ratchetState, n uint32) error {
	if len(st.RecvCK) == 0 && st.Nr < n {
		return fmt.Errorf("engine: cannot skip on an uninitialised receiving chain")
	}
	for st.Nr < n {
		mk := kdfChainRecv(st)
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		if st.Skipped == nil {
			st.Skipped = make(map[string][]byte)
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}
