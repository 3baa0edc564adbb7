package vaultcore

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/zeebo/blake3"
)

// Signer authorizes messages. The concrete scheme is an interim stand-in
// pending a real post-quantum algorithm; callers must not assume anything
// about the signature's internal structure beyond the round-trip
// guarantee that VerifyChainSignature accepts what Sign produced.
type Signer interface {
	// Sign produces a deterministic signature over message.
	Sign(message []byte) ([]byte, error)

	// PublicKey returns the verification key for this signer.
	PublicKey() [HashSize]byte
}

// ChainSignatureSize is the size of a placeholder chain signature: one
// revealed chain link plus one binding tag.
const ChainSignatureSize = 2 * HashSize

// ChainSigner is the placeholder signature scheme. The public key is the
// final link of a one-way hash chain over the seed; a signature reveals
// the second-to-last link together with a tag binding it to the message.
// Revealing that link is exactly what makes the key one-time: anyone who
// has seen a signature can forge further ones, so a chain seed must never
// sign twice. The vault enforces that discipline; a standalone ChainSigner
// leaves it to the caller.
type ChainSigner struct {
	seed        [HashSize]byte
	chainLength int
}

// NewChainSigner builds a signer from an existing 32-byte seed.
func NewChainSigner(seed []byte, chainLength int) (*ChainSigner, error) {
	if len(seed) != HashSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d: %w",
			HashSize, len(seed), ErrInvalidInput)
	}
	if chainLength < 2 {
		return nil, fmt.Errorf("chain length %d: %w",
			chainLength, ErrInvalidInput)
	}

	s := &ChainSigner{chainLength: chainLength}
	copy(s.seed[:], seed)
	return s, nil
}

// GenerateChainSigner builds a signer from a fresh random seed.
func GenerateChainSigner(chainLength int) (*ChainSigner, error) {
	var seed [HashSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed generation: %w", err)
	}
	return NewChainSigner(seed[:], chainLength)
}

// PublicKey returns the final chain link, H^(chainLength-1)(seed).
func (s *ChainSigner) PublicKey() [HashSize]byte {
	return chainPublicKey(s.seed, s.chainLength)
}

// Sign produces the deterministic placeholder signature over message.
func (s *ChainSigner) Sign(message []byte) ([]byte, error) {
	return chainSign(s.seed, s.chainLength, message), nil
}

// chainPublicKey iterates the one-way function chainLength-1 times.
func chainPublicKey(seed [HashSize]byte, chainLength int) [HashSize]byte {
	link := seed
	for i := 0; i < chainLength-1; i++ {
		link = blake3.Sum256(link[:])
	}
	return link
}

// chainSign reveals the second-to-last chain link and binds it to the
// message: sig = link || blake3(link || message). Fixed inputs always
// produce the same signature.
func chainSign(seed [HashSize]byte, chainLength int, message []byte) []byte {
	link := seed
	for i := 0; i < chainLength-2; i++ {
		link = blake3.Sum256(link[:])
	}

	h := blake3.New()
	h.Write(link[:])
	h.Write(message)
	tag := h.Sum(nil)

	sig := make([]byte, 0, ChainSignatureSize)
	sig = append(sig, link[:]...)
	sig = append(sig, tag[:HashSize]...)
	return sig
}

// VerifyChainSignature checks a placeholder chain signature against a
// public key: the revealed link must hash to the public key and the tag
// must bind the link to this exact message. A failed verification is an
// expected outcome and is reported as false, never as an error.
func VerifyChainSignature(message, sig []byte, publicKey [HashSize]byte) bool {
	if len(sig) != ChainSignatureSize {
		return false
	}

	var link [HashSize]byte
	copy(link[:], sig[:HashSize])

	next := blake3.Sum256(link[:])
	if subtle.ConstantTimeCompare(next[:], publicKey[:]) != 1 {
		return false
	}

	h := blake3.New()
	h.Write(link[:])
	h.Write(message)
	tag := h.Sum(nil)

	return subtle.ConstantTimeCompare(tag[:HashSize], sig[HashSize:]) == 1
}
