package request

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ID is the content-derived identifier of a signing request.
type ID [32]byte

// ComputeID derives the deterministic request ID from the request content:
// BLAKE3(keyTag || epoch (8 bytes LE) || message). Re-submitting the
// identical request therefore maps to the same ID.
func ComputeID(keyTag uint8, epoch uint64, message []byte) ID {
	h := blake3.New()
	h.Write([]byte{keyTag})

	var epochBytes [8]byte
	binary.LittleEndian.PutUint64(epochBytes[:], epoch)
	h.Write(epochBytes[:])

	h.Write(message)

	var id ID
	h.Sum(id[:0])

	return id
}

// String returns the hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the ID as hex for JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex-encoded ID.
func (id *ID) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode request id:\n%w", err)
	}

	if len(decoded) != 32 {
		return fmt.Errorf("invalid request id length: %d", len(decoded))
	}

	copy(id[:], decoded)

	return nil
}

// ParseID decodes a hex-encoded request ID.
func ParseID(s string) (ID, error) {
	var id ID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// State is the aggregation state of a signing request.
type State string

const (
	// StatePending means the request exists with zero signatures.
	StatePending State = "pending"

	// StateAccumulating means at least one valid signature is recorded.
	StateAccumulating State = "accumulating"

	// StateCompleted means quorum was reached and a proof produced.
	StateCompleted State = "completed"

	// StateFailed means a validator reported an unrecoverable error.
	StateFailed State = "failed"

	// StateTimedOut means quorum was not reached within the waiting window.
	StateTimedOut State = "timed_out"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// Signature is one validator's partial signature over a request's message.
type Signature struct {
	KeyTag      uint8     `json:"keyTag"`      // KeyTag identifies the key scheme
	PublicKey   []byte    `json:"publicKey"`   // PublicKey is the signer's registered key
	Signature   []byte    `json:"signature"`   // Signature is the raw signature bytes
	MessageHash []byte    `json:"messageHash"` // MessageHash is BLAKE3(message)
	Operator    string    `json:"operator"`    // Operator is the resolved validator address
	ReceivedAt  time.Time `json:"receivedAt"`  // ReceivedAt is when the signature was recorded
}

// Proof is the combined aggregation artifact of a completed request.
// Created exactly once per request, immutable thereafter.
type Proof struct {
	Proof            []byte    `json:"proof"`            // Proof is the combined proof bytes
	MessageHash      []byte    `json:"messageHash"`      // MessageHash is BLAKE3(message)
	VerificationType string    `json:"verificationType"` // VerificationType selects the combine scheme
	SetVersion       uint64    `json:"setVersion"`       // SetVersion is the validator set version used
	SignerBitmap     []byte    `json:"signerBitmap"`     // SignerBitmap marks which validators signed
	Power            uint64    `json:"power"`            // Power is the cumulative signer voting power
	CreatedAt        time.Time `json:"createdAt"`        // CreatedAt is when quorum was crossed
}

// SignatureRequest is a signing request and its accumulated artifacts.
// The identifying fields (ID, KeyTag, Message, Epoch, CreatedAt) are
// immutable once created.
type SignatureRequest struct {
	ID         ID          `json:"id"`                   // ID is the content-derived identifier
	KeyTag     uint8       `json:"keyTag"`               // KeyTag identifies the key scheme
	Message    []byte      `json:"message"`              // Message is the bytes to sign
	Epoch      uint64      `json:"epoch"`                // Epoch pins the validator set snapshot
	State      State       `json:"state"`                // State is the aggregation state
	CreatedAt  time.Time   `json:"createdAt"`            // CreatedAt is the creation time
	Signatures []Signature `json:"signatures,omitempty"` // Signatures are the recorded partials
	Proof      *Proof      `json:"proof,omitempty"`      // Proof is the terminal artifact on completion
	FailCode   string      `json:"failCode,omitempty"`   // FailCode is the validator-reported error code
	FailReason string      `json:"failReason,omitempty"` // FailReason is the validator-reported message
}

// MessageHash returns BLAKE3 of the request message.
func (r *SignatureRequest) MessageHash() []byte {
	hash := blake3.Sum256(r.Message)
	return hash[:]
}

// SignatureByKey returns the recorded signature from the given public key,
// or nil if that key has not signed.
func (r *SignatureRequest) SignatureByKey(publicKey []byte) *Signature {
	for i := range r.Signatures {
		if bytes.Equal(r.Signatures[i].PublicKey, publicKey) {
			return &r.Signatures[i]
		}
	}

	return nil
}

// Clone returns a deep copy safe to hand out across goroutines.
func (r *SignatureRequest) Clone() *SignatureRequest {
	out := *r

	out.Message = append([]byte(nil), r.Message...)
	out.Signatures = make([]Signature, len(r.Signatures))
	copy(out.Signatures, r.Signatures)

	if r.Proof != nil {
		proof := *r.Proof
		out.Proof = &proof
	}

	return &out
}
