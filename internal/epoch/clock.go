package epoch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"SigMesh/internal/logger"
	"SigMesh/internal/storage"
)

// ErrStaleUpdate is returned when a watermark or epoch update is not
// monotonically increasing. Out-of-order updates are dropped, not applied.
var ErrStaleUpdate = errors.New("stale update")

// Storage key layout.
var (
	watermarkKeyPrefix = []byte("w:") // "w:" + chainID → 8-byte LE epoch
	currentEpochKey    = []byte("m:current")
)

// Clock tracks the current epoch and per-chain commitment watermarks.
// The suggested epoch is the minimum of all chains' last-committed epoch,
// so any proof produced against it is valid across every tracked chain.
type Clock struct {
	mu        sync.Mutex
	db        *storage.Storage  // db persists watermarks across restarts
	chains    map[string]uint64 // chains maps chainID to its last-committed epoch
	current   uint64            // current is the current epoch counter
	onAdvance func(uint64)      // onAdvance fires when the suggested epoch increases
}

// New creates a Clock, restoring watermarks and the current epoch from storage.
func New(db *storage.Storage) (*Clock, error) {
	c := &Clock{
		db:     db,
		chains: make(map[string]uint64),
	}

	if db == nil {
		return c, nil
	}

	if err := c.restore(); err != nil {
		return nil, fmt.Errorf("restore epoch clock:\n%w", err)
	}

	return c, nil
}

// restore loads persisted watermarks and the current epoch.
func (c *Clock) restore() error {
	err := c.db.IteratePrefix(watermarkKeyPrefix, func(key, value []byte) error {
		if len(value) != 8 {
			return nil
		}

		chainID := string(key[len(watermarkKeyPrefix):])
		c.chains[chainID] = binary.LittleEndian.Uint64(value)

		return nil
	})
	if err != nil {
		return err
	}

	value, err := c.db.Get(currentEpochKey)
	if err != nil {
		return err
	}

	if len(value) == 8 {
		c.current = binary.LittleEndian.Uint64(value)
	}

	return nil
}

// Current returns the current epoch.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// SetCurrent advances the current epoch. Epochs strictly increase;
// a non-increasing value is rejected with ErrStaleUpdate.
func (c *Clock) SetCurrent(e uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e <= c.current {
		return fmt.Errorf("%w: epoch %d <= current %d", ErrStaleUpdate, e, c.current)
	}

	c.current = e
	c.persistCurrent()

	logger.Info("epoch advanced", "epoch", e)

	return nil
}

// Suggested returns the minimum of all chains' last-committed epoch.
// With no chains tracked it falls back to the current epoch.
func (c *Clock) Suggested() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.suggestedLocked()
}

// suggestedLocked computes the suggested epoch. Caller must hold mu.
func (c *Clock) suggestedLocked() uint64 {
	if len(c.chains) == 0 {
		return c.current
	}

	min := uint64(^uint64(0)) // max uint64
	for _, committed := range c.chains {
		if committed < min {
			min = committed
		}
	}

	return min
}

// Watermarks returns a copy of the per-chain last-committed epochs.
func (c *Clock) Watermarks() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]uint64, len(c.chains))
	for chainID, committed := range c.chains {
		result[chainID] = committed
	}

	return result
}

// Advance updates a chain's watermark. Watermarks are monotonic per chain:
// a committed epoch below the stored value returns ErrStaleUpdate, an equal
// value is a no-op. Advancing the global suggested epoch fires the
// registered callback so waiting requests can be re-evaluated.
func (c *Clock) Advance(chainID string, committed uint64) error {
	c.mu.Lock()

	existing, tracked := c.chains[chainID]
	if tracked && committed < existing {
		c.mu.Unlock()
		logger.Debug("stale watermark dropped", "chain", chainID, "committed", committed, "stored", existing)
		return fmt.Errorf("%w: chain %s committed %d < stored %d", ErrStaleUpdate, chainID, committed, existing)
	}

	if tracked && committed == existing {
		c.mu.Unlock()
		return nil
	}

	before := c.suggestedLocked()

	c.chains[chainID] = committed
	c.persistWatermark(chainID, committed)

	after := c.suggestedLocked()
	callback := c.onAdvance

	c.mu.Unlock()

	logger.Debug("watermark advanced", "chain", chainID, "committed", committed)

	// A new chain can lower the suggested epoch; only a strict increase
	// unblocks waiting requests.
	if after > before && callback != nil {
		callback(after)
	}

	return nil
}

// OnSuggestedAdvance registers a callback invoked (outside the clock lock)
// whenever the suggested epoch strictly increases.
func (c *Clock) OnSuggestedAdvance(fn func(suggested uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onAdvance = fn
}

// persistWatermark writes a chain watermark to storage.
func (c *Clock) persistWatermark(chainID string, committed uint64) {
	if c.db == nil {
		return
	}

	key := make([]byte, len(watermarkKeyPrefix)+len(chainID))
	copy(key, watermarkKeyPrefix)
	copy(key[len(watermarkKeyPrefix):], chainID)

	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, committed)

	_ = c.db.Set(key, value)
}

// persistCurrent writes the current epoch to storage.
func (c *Clock) persistCurrent() {
	if c.db == nil {
		return
	}

	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, c.current)

	_ = c.db.Set(currentEpochKey, value)
}
