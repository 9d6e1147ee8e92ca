package registry

import "bytes"

// Status is the lifecycle state of a validator set version.
type Status string

const (
	// StatusPending marks a set installed for a future epoch.
	StatusPending Status = "pending"

	// StatusActive marks the set currently in force.
	StatusActive Status = "active"

	// StatusExpired marks a set superseded by a newer version.
	StatusExpired Status = "expired"
)

// TaggedKey is one of a validator's cryptographic keys, identified by tag.
type TaggedKey struct {
	Tag uint8  `json:"tag"` // Tag identifies the key scheme
	Key []byte `json:"key"` // Key is the raw public key bytes
}

// Validator is a member of a validator set.
type Validator struct {
	Operator string      `json:"operator"` // Operator is the operator address
	Keys     []TaggedKey `json:"keys"`     // Keys are the validator's tagged public keys
	Power    uint64      `json:"power"`    // Power is the validator's voting power
	Active   bool        `json:"active"`   // Active indicates the validator may sign
}

// KeyFor returns the validator's key with the given tag.
func (v *Validator) KeyFor(tag uint8) ([]byte, bool) {
	for _, k := range v.Keys {
		if k.Tag == tag {
			return k.Key, true
		}
	}

	return nil, false
}

// ValidatorSet is a versioned, epoch-scoped snapshot of validators.
// A set covers all epochs from its Epoch up to (excluding) the next
// installed set's epoch. Sets are immutable once activated.
type ValidatorSet struct {
	Version         uint64      `json:"version"`         // Version is the strictly increasing set version
	Epoch           uint64      `json:"epoch"`           // Epoch is the first epoch this set covers
	Validators      []Validator `json:"validators"`      // Validators is the ordered member list
	QuorumThreshold uint64      `json:"quorumThreshold"` // QuorumThreshold is the minimum cumulative power
	Status          Status      `json:"status"`          // Status is the lifecycle state
}

// TotalPower returns the cumulative voting power of all active validators.
func (s *ValidatorSet) TotalPower() uint64 {
	var total uint64
	for i := range s.Validators {
		if s.Validators[i].Active {
			total += s.Validators[i].Power
		}
	}

	return total
}

// ValidatorByKey returns the active validator holding the given tagged key
// and its index in the set, or nil if absent or inactive.
func (s *ValidatorSet) ValidatorByKey(tag uint8, key []byte) (*Validator, int) {
	for i := range s.Validators {
		v := &s.Validators[i]
		if !v.Active {
			continue
		}

		if k, ok := v.KeyFor(tag); ok && bytes.Equal(k, key) {
			return v, i
		}
	}

	return nil, -1
}

// Len returns the number of validators in the set.
func (s *ValidatorSet) Len() int {
	return len(s.Validators)
}
