// Package attestation signs a proof that a given Segment forward actually
// happened: fingerprint, byte/count totals, and timestamp, signed with an
// ephemeral ed25519 session key. It is the Go-idiomatic narrowing of the
// teacher's receipt-signing scheme (internal/receipts) to this module's
// domain — there is no client-acknowledged delivery here, only a
// downstream-auditable record that the Segmenter Engine actually forwarded
// a given Segment to the Batcher.
package attestation

import (
	cryptoRand "crypto/rand"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// Version identifies the attestation wire layout.
const Version uint8 = 1

// DomainTag separates this signature scheme from any other protocol that
// might reuse the same key material.
const DomainTag = "ustsegmenter:batch-attestation:v1"

// Attestation is a signed claim that bytesForwarded/countForwarded for
// fingerprint left the Segmenter at ForwardedAt.
type Attestation struct {
	Version        uint8
	Fingerprint    string
	BytesForwarded int64
	CountForwarded int64
	ForwardedAt    int64 // UnixNano
	Nonce          uint64
	PubKey         []byte
	Sig            []byte
}

// Signer holds an ephemeral ed25519 keypair used to sign every attestation
// this process emits. One Signer per process lifetime is sufficient; there
// is no need to rotate within a run.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh ephemeral keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(cryptoRand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// PublicKey returns the raw ed25519 public key bytes so a downstream
// auditor can verify this process's attestations.
func (s *Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

// Close wipes the private key material in memory, best-effort.
func (s *Signer) Close() {
	for i := range s.priv {
		s.priv[i] = 0
	}
}

// Attest signs a forward event.
func (s *Signer) Attest(fingerprint string, bytesForwarded, countForwarded int, at time.Time, nonce uint64) (Attestation, error) {
	if s == nil || s.priv == nil {
		return Attestation{}, errors.New("attestation: signer not initialized")
	}
	a := Attestation{
		Version:        Version,
		Fingerprint:    fingerprint,
		BytesForwarded: int64(bytesForwarded),
		CountForwarded: int64(countForwarded),
		ForwardedAt:    at.UnixNano(),
		Nonce:          nonce,
	}
	d := digest(a)
	a.PubKey = append([]byte(nil), s.pub...)
	a.Sig = ed25519.Sign(s.priv, d[:])
	return a, nil
}

// Verify checks an attestation's signature against its own claimed fields
// and embedded public key.
func Verify(a Attestation) error {
	if len(a.PubKey) != ed25519.PublicKeySize {
		return errors.New("attestation: invalid public key length")
	}
	if len(a.Sig) != ed25519.SignatureSize {
		return errors.New("attestation: invalid signature length")
	}
	d := digest(a)
	if !ed25519.Verify(ed25519.PublicKey(a.PubKey), d[:], a.Sig) {
		return errors.New("attestation: signature does not verify")
	}
	return nil
}

// digest computes the canonical domain-separated hash signed over an
// attestation's claim fields (everything but PubKey/Sig themselves).
// Layout: H( DomainTag || v || L(fingerprint)||fingerprint || bytes || count || forwarded_at || nonce ).
func digest(a Attestation) [32]byte {
	h := sha256.New()
	h.Write([]byte(DomainTag))
	h.Write([]byte{a.Version})

	fp := []byte(a.Fingerprint)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(fp)))
	h.Write(lb[:])
	h.Write(fp)

	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(a.BytesForwarded))
	h.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], uint64(a.CountForwarded))
	h.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], uint64(a.ForwardedAt))
	h.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], a.Nonce)
	h.Write(b8[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
