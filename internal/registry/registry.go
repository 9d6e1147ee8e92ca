package registry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"SigMesh/internal/logger"
	"SigMesh/internal/storage"
)

const (
	// defaultHistoryLimit is how many set versions are retained by default.
	defaultHistoryLimit = 64
)

var (
	// ErrInvalidQuorum is returned when a quorum threshold is zero or
	// exceeds the total voting power of the set.
	ErrInvalidQuorum = errors.New("invalid quorum threshold")

	// ErrNotFound is returned when no retained set covers the requested
	// epoch, or a validator key is unknown or inactive at that epoch.
	ErrNotFound = errors.New("not found")

	// ErrStaleVersion is returned when an activation does not increase
	// the set version or epoch.
	ErrStaleVersion = errors.New("stale set version")
)

// setKeyPrefix is the Pebble key prefix for persisted validator sets.
var setKeyPrefix = []byte("s:")

// setIndex is an immutable snapshot of all retained sets, epoch-ascending.
// Readers load it atomically and never observe a partial update.
type setIndex struct {
	sets []*ValidatorSet
}

// Registry holds versioned validator sets per epoch. Reads are lock-free
// against an atomic snapshot; activations (rare) are serialized by a mutex
// and swap in a new snapshot.
type Registry struct {
	mu           sync.Mutex // mu serializes Activate and pruning
	index        atomic.Pointer[setIndex]
	db           *storage.Storage // db persists sets across restarts
	localKey     []byte           // localKey is this node's BLS public key
	localKeyTag  uint8            // localKeyTag is the tag of the local key
	historyLimit int              // historyLimit bounds retained set versions
}

// Option configures a Registry.
type Option func(*Registry)

// WithHistoryLimit overrides the retained history window.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithLocalKey sets the node's own tagged public key, used by LocalValidator.
func WithLocalKey(tag uint8, key []byte) Option {
	return func(r *Registry) {
		r.localKeyTag = tag
		r.localKey = key
	}
}

// New creates a Registry, restoring persisted sets from storage.
func New(db *storage.Storage, opts ...Option) (*Registry, error) {
	r := &Registry{
		db:           db,
		historyLimit: defaultHistoryLimit,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.index.Store(&setIndex{})

	if db != nil {
		if err := r.restore(); err != nil {
			return nil, fmt.Errorf("restore registry:\n%w", err)
		}
	}

	return r, nil
}

// restore loads persisted sets and rebuilds the index.
func (r *Registry) restore() error {
	var sets []*ValidatorSet

	err := r.db.IteratePrefix(setKeyPrefix, func(key, value []byte) error {
		var set ValidatorSet
		if err := json.Unmarshal(value, &set); err != nil {
			logger.Warn("skipping corrupt validator set record", "key", string(key), "error", err)
			return nil
		}

		sets = append(sets, &set)

		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].Epoch < sets[j].Epoch
	})

	r.index.Store(&setIndex{sets: sets})

	if len(sets) > 0 {
		logger.Info("validator sets restored", "count", len(sets), "latest_version", sets[len(sets)-1].Version)
	}

	return nil
}

// Activate installs a new validator set covering epochs from the given
// epoch onward. The version and epoch must both increase; the threshold
// must be positive and within the set's total active power. The previous
// active set is marked expired. Returns the installed set.
func (r *Registry) Activate(version, epoch uint64, validators []Validator, quorumThreshold uint64) (*ValidatorSet, error) {
	set := &ValidatorSet{
		Version:         version,
		Epoch:           epoch,
		Validators:      validators,
		QuorumThreshold: quorumThreshold,
		Status:          StatusActive,
	}

	if quorumThreshold == 0 {
		return nil, fmt.Errorf("%w: threshold is zero", ErrInvalidQuorum)
	}

	if total := set.TotalPower(); quorumThreshold > total {
		return nil, fmt.Errorf("%w: threshold %d exceeds total power %d", ErrInvalidQuorum, quorumThreshold, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.index.Load()

	if n := len(old.sets); n > 0 {
		latest := old.sets[n-1]
		if version <= latest.Version {
			return nil, fmt.Errorf("%w: version %d <= latest %d", ErrStaleVersion, version, latest.Version)
		}
		if epoch <= latest.Epoch {
			return nil, fmt.Errorf("%w: epoch %d <= latest %d", ErrStaleVersion, epoch, latest.Epoch)
		}
	}

	// Build the replacement snapshot: supersede the previous active set,
	// append the new one, prune beyond the history window.
	sets := make([]*ValidatorSet, 0, len(old.sets)+1)

	for _, s := range old.sets {
		if s.Status == StatusActive {
			expired := *s
			expired.Status = StatusExpired
			s = &expired
			r.persistSet(s)
		}
		sets = append(sets, s)
	}

	sets = append(sets, set)

	for len(sets) > r.historyLimit {
		pruned := sets[0]
		sets = sets[1:]
		r.deleteSet(pruned)
		logger.Debug("validator set pruned", "version", pruned.Version, "epoch", pruned.Epoch)
	}

	r.persistSet(set)
	r.index.Store(&setIndex{sets: sets})

	logger.Info("validator set activated",
		"version", version,
		"epoch", epoch,
		"validators", len(validators),
		"quorum", quorumThreshold,
		"total_power", set.TotalPower(),
	)

	return set, nil
}

// SetForEpoch returns the set whose epoch range covers the query.
// Returns ErrNotFound if the epoch predates the earliest retained set
// or no set has been activated yet.
func (r *Registry) SetForEpoch(epoch uint64) (*ValidatorSet, error) {
	idx := r.index.Load()

	// Last set with set.Epoch <= epoch.
	i := sort.Search(len(idx.sets), func(i int) bool {
		return idx.sets[i].Epoch > epoch
	})

	if i == 0 {
		return nil, fmt.Errorf("%w: no validator set covers epoch %d", ErrNotFound, epoch)
	}

	return idx.sets[i-1], nil
}

// Latest returns the most recently activated set, or nil if none.
func (r *Registry) Latest() *ValidatorSet {
	idx := r.index.Load()

	if len(idx.sets) == 0 {
		return nil
	}

	return idx.sets[len(idx.sets)-1]
}

// ValidatorByKey looks up the active validator holding the tagged key in
// the set covering the given epoch.
func (r *Registry) ValidatorByKey(tag uint8, key []byte, epoch uint64) (*Validator, error) {
	set, err := r.SetForEpoch(epoch)
	if err != nil {
		return nil, err
	}

	v, _ := set.ValidatorByKey(tag, key)
	if v == nil {
		return nil, fmt.Errorf("%w: validator key (tag %d) at epoch %d", ErrNotFound, tag, epoch)
	}

	return v, nil
}

// LocalValidator resolves the identity of the node hosting this registry
// in the set covering the given epoch.
func (r *Registry) LocalValidator(epoch uint64) (*Validator, error) {
	if len(r.localKey) == 0 {
		return nil, fmt.Errorf("%w: no local key configured", ErrNotFound)
	}

	return r.ValidatorByKey(r.localKeyTag, r.localKey, epoch)
}

// persistSet writes a set record to storage, keyed by version.
func (r *Registry) persistSet(set *ValidatorSet) {
	if r.db == nil {
		return
	}

	data, err := json.Marshal(set)
	if err != nil {
		logger.Error("marshal validator set", "version", set.Version, "error", err)
		return
	}

	_ = r.db.Set(makeSetKey(set.Version), data)
}

// deleteSet removes a pruned set record from storage.
func (r *Registry) deleteSet(set *ValidatorSet) {
	if r.db == nil {
		return
	}

	_ = r.db.Delete(makeSetKey(set.Version))
}

// makeSetKey builds the Pebble key for a set version: "s:" + version (8 bytes BE).
// Big-endian keeps lexicographic iteration in version order.
func makeSetKey(version uint64) []byte {
	key := make([]byte, len(setKeyPrefix)+8)
	copy(key, setKeyPrefix)
	binary.BigEndian.PutUint64(key[len(setKeyPrefix):], version)
	return key
}
