package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"SigMesh/internal/logger"
	"SigMesh/internal/storage"
)

var (
	// ErrUnknownRequest is returned when a request ID is not in the store.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrInvalidSignature is returned when a signature fails cryptographic
	// verification against the validator's registered key.
	ErrInvalidSignature = errors.New("invalid signature")
)

// requestKeyPrefix is the Pebble key prefix for persisted request records.
var requestKeyPrefix = []byte("q:")

// entry wraps a request with its own mutex so mutation is serialized
// per request while independent requests proceed fully in parallel.
type entry struct {
	mu  sync.Mutex
	req *SignatureRequest
}

// Store holds pending and completed signing requests, keyed by request ID
// and indexed by epoch. All records are persisted to Pebble and reloaded
// on start.
type Store struct {
	mu      sync.RWMutex // mu guards the maps, not the per-request state
	entries map[ID]*entry
	byEpoch map[uint64][]ID
	db      *storage.Storage
}

// NewStore creates a Store, restoring persisted requests from storage.
func NewStore(db *storage.Storage) (*Store, error) {
	s := &Store{
		entries: make(map[ID]*entry),
		byEpoch: make(map[uint64][]ID),
		db:      db,
	}

	if db != nil {
		if err := s.restore(); err != nil {
			return nil, fmt.Errorf("restore request store:\n%w", err)
		}
	}

	return s, nil
}

// restore loads persisted request records and rebuilds the epoch index.
func (s *Store) restore() error {
	count := 0

	err := s.db.IteratePrefix(requestKeyPrefix, func(key, value []byte) error {
		var req SignatureRequest
		if err := json.Unmarshal(value, &req); err != nil {
			logger.Warn("skipping corrupt request record", "error", err)
			return nil
		}

		s.entries[req.ID] = &entry{req: &req}
		s.byEpoch[req.Epoch] = append(s.byEpoch[req.Epoch], req.ID)
		count++

		return nil
	})
	if err != nil {
		return err
	}

	if count > 0 {
		logger.Info("requests restored", "count", count)
	}

	return nil
}

// Create inserts a new signing request. Creation is idempotent: if a
// request with the same content-derived ID already exists, the existing
// request is returned and created is false.
func (s *Store) Create(keyTag uint8, message []byte, epoch uint64) (*SignatureRequest, bool, error) {
	id := ComputeID(keyTag, epoch, message)

	s.mu.Lock()

	if existing, ok := s.entries[id]; ok {
		s.mu.Unlock()

		existing.mu.Lock()
		defer existing.mu.Unlock()

		return existing.req.Clone(), false, nil
	}

	req := &SignatureRequest{
		ID:        id,
		KeyTag:    keyTag,
		Message:   append([]byte(nil), message...),
		Epoch:     epoch,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}

	s.entries[id] = &entry{req: req}
	s.byEpoch[epoch] = append(s.byEpoch[epoch], id)

	s.mu.Unlock()

	s.persist(req)

	logger.Debug("request created", "id", id.String()[:12], "epoch", epoch, "key_tag", keyTag)

	return req.Clone(), true, nil
}

// Get returns a copy of the request with the given ID.
func (s *Store) Get(id ID) (*SignatureRequest, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.req.Clone(), nil
}

// ListByEpoch returns copies of all requests targeting the given epoch,
// ordered by creation time.
func (s *Store) ListByEpoch(epoch uint64) []*SignatureRequest {
	s.mu.RLock()
	ids := append([]ID(nil), s.byEpoch[epoch]...)
	s.mu.RUnlock()

	result := make([]*SignatureRequest, 0, len(ids))

	for _, id := range ids {
		if req, err := s.Get(id); err == nil {
			result = append(result, req)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result
}

// NonTerminal returns the IDs of all requests not yet in a terminal state.
// Used by the engine's timeout watchdog and epoch re-evaluation.
func (s *Store) NonTerminal() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []ID

	for id, e := range s.entries {
		e.mu.Lock()
		terminal := e.req.State.Terminal()
		e.mu.Unlock()

		if !terminal {
			ids = append(ids, id)
		}
	}

	return ids
}

// Update runs fn on the request under its per-request lock and persists
// the result. Mutation of a single request is fully serialized; quorum
// evaluation inside fn is therefore atomic with respect to concurrent
// signature additions for the same request.
func (s *Store) Update(id ID, fn func(*SignatureRequest) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.req); err != nil {
		return err
	}

	s.persist(e.req)

	return nil
}

// Counts returns the number of requests per state.
func (s *Store) Counts() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[State]int)
	for _, e := range s.entries {
		e.mu.Lock()
		counts[e.req.State]++
		e.mu.Unlock()
	}

	return counts
}

// Len returns the total number of requests in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// persist writes a request record to storage.
func (s *Store) persist(req *SignatureRequest) {
	if s.db == nil {
		return
	}

	data, err := json.Marshal(req)
	if err != nil {
		logger.Error("marshal request", "id", req.ID.String()[:12], "error", err)
		return
	}

	_ = s.db.Set(makeRequestKey(req.ID), data)
}

// makeRequestKey builds the Pebble key for a request: "q:" + ID.
func makeRequestKey(id ID) []byte {
	key := make([]byte, len(requestKeyPrefix)+len(id))
	copy(key, requestKeyPrefix)
	copy(key[len(requestKeyPrefix):], id[:])
	return key
}
