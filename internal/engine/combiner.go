package engine

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"SigMesh/internal/bls"
)

// Verification type names carried on proofs.
const (
	// VerifyTypeBLS is BLS12-381 aggregation: one combined signature.
	VerifyTypeBLS = "bls12381"

	// VerifyTypeEd25519 is an Ed25519 multi-signature: the proof is the
	// sorted list of individual signatures.
	VerifyTypeEd25519 = "ed25519-multi"
)

// Key tags select the signature scheme of a validator key.
const (
	// KeyTagBLS marks BLS12-381 keys.
	KeyTagBLS uint8 = 0

	// KeyTagEd25519 marks Ed25519 keys.
	KeyTagEd25519 uint8 = 1
)

// Combiner turns a quorum-satisfying signature set into one proof.
// Combine must be a pure, order-independent function of the signature
// set: any permutation of the same signatures yields a bit-identical
// proof.
type Combiner interface {
	// Type returns the verification type recorded on proofs.
	Type() string

	// VerifyShare checks one validator's signature over the message.
	VerifyShare(signature, message, publicKey []byte) bool

	// Combine merges the signatures into a single proof.
	Combine(signatures [][]byte) ([]byte, error)

	// VerifyProof checks a combined proof against the signer public keys.
	VerifyProof(proof, message []byte, publicKeys [][]byte) bool
}

// combinerForTag maps a key tag to its combiner.
// Unknown tags default to BLS.
func combinerForTag(tag uint8) Combiner {
	switch tag {
	case KeyTagEd25519:
		return ed25519Combiner{}
	default:
		return blsCombiner{}
	}
}

// blsCombiner aggregates BLS12-381 signatures over the same message.
type blsCombiner struct{}

func (blsCombiner) Type() string { return VerifyTypeBLS }

func (blsCombiner) VerifyShare(signature, message, publicKey []byte) bool {
	return bls.Verify(signature, message, publicKey)
}

func (blsCombiner) Combine(signatures [][]byte) ([]byte, error) {
	return bls.Aggregate(signatures)
}

func (blsCombiner) VerifyProof(proof, message []byte, publicKeys [][]byte) bool {
	return bls.VerifyAggregated(proof, message, publicKeys)
}

// ed25519Combiner builds a multi-signature list for keys that do not
// support cryptographic aggregation. The proof is the count-prefixed,
// length-prefixed concatenation of the signatures in sorted order.
type ed25519Combiner struct{}

func (ed25519Combiner) Type() string { return VerifyTypeEd25519 }

func (ed25519Combiner) VerifyShare(signature, message, publicKey []byte) bool {
	if len(signature) != ed25519.SignatureSize || len(publicKey) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

func (ed25519Combiner) Combine(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to combine")
	}

	sorted := bls.SortByteSlices(signatures)

	size := 2
	for _, sig := range sorted {
		size += 4 + len(sig)
	}

	proof := make([]byte, 0, size)
	proof = binary.BigEndian.AppendUint16(proof, uint16(len(sorted)))

	for _, sig := range sorted {
		proof = binary.BigEndian.AppendUint32(proof, uint32(len(sig)))
		proof = append(proof, sig...)
	}

	return proof, nil
}

func (ed25519Combiner) VerifyProof(proof, message []byte, publicKeys [][]byte) bool {
	signatures, err := splitMultiProof(proof)
	if err != nil {
		return false
	}

	if len(signatures) > len(publicKeys) {
		return false
	}

	// Each signature must verify under a distinct public key. Keys and
	// signatures are both unordered, so match greedily.
	used := make([]bool, len(publicKeys))

	for _, sig := range signatures {
		matched := false

		for i, pk := range publicKeys {
			if used[i] {
				continue
			}

			if ed25519.Verify(ed25519.PublicKey(pk), message, sig) {
				used[i] = true
				matched = true
				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// splitMultiProof parses a count-prefixed multi-signature proof.
func splitMultiProof(proof []byte) ([][]byte, error) {
	if len(proof) < 2 {
		return nil, fmt.Errorf("proof too short")
	}

	count := int(binary.BigEndian.Uint16(proof[:2]))
	offset := 2

	signatures := make([][]byte, 0, count)

	for i := 0; i < count; i++ {
		if len(proof) < offset+4 {
			return nil, fmt.Errorf("truncated proof at signature %d", i)
		}

		size := int(binary.BigEndian.Uint32(proof[offset : offset+4]))
		offset += 4

		if len(proof) < offset+size {
			return nil, fmt.Errorf("truncated proof at signature %d", i)
		}

		signatures = append(signatures, proof[offset:offset+size])
		offset += size
	}

	if offset != len(proof) {
		return nil, fmt.Errorf("trailing bytes in proof")
	}

	return signatures, nil
}
