package notify

import (
	"errors"
	"sync"
	"time"

	"SigMesh/internal/logger"
)

// ErrSlowConsumer is reported by a subscriber whose buffer overflowed.
// The subscription is torn down; the caller must resubscribe.
var ErrSlowConsumer = errors.New("slow consumer")

const (
	// defaultHistoryLimit is how many events are retained per type for
	// replay to late subscribers.
	defaultHistoryLimit = 4096

	// defaultBuffer is the per-subscriber channel buffer.
	defaultBuffer = 256
)

// Type identifies an event stream.
type Type string

const (
	// TypeSignature is emitted when a signature is recorded on a request.
	TypeSignature Type = "signature"

	// TypeProof is emitted when quorum is reached and a proof produced.
	TypeProof Type = "proof"

	// TypeTerminal is emitted exactly once when a request reaches a
	// terminal state (completed, failed or timed out).
	TypeTerminal Type = "terminal"

	// TypeValidatorSet is emitted when a validator set is activated.
	TypeValidatorSet Type = "validator_set"
)

// Event is one entry of a producer-ordered event log.
type Event struct {
	Seq       uint64    `json:"seq"`                 // Seq is the per-type sequence number
	Type      Type      `json:"type"`                // Type is the event stream
	Epoch     uint64    `json:"epoch"`               // Epoch is the epoch the event belongs to
	RequestID string    `json:"requestId,omitempty"` // RequestID is the hex request ID, if any
	Payload   any       `json:"payload,omitempty"`   // Payload is the event body
	Time      time.Time `json:"time"`                // Time is when the event was produced
}

// Subscriber receives events over a bounded channel. When the notifier
// closes the channel, Err reports why: nil for a clean unsubscribe,
// ErrSlowConsumer for eviction.
type Subscriber struct {
	ch        chan Event
	types     map[Type]bool
	fromEpoch uint64
	requestID string // optional single-request filter

	n   *Notifier
	err error // set under n.mu before the channel closes
}

// Events returns the subscriber's event channel. The channel is closed
// when the subscription ends.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Err returns the termination reason after the event channel is closed.
func (s *Subscriber) Err() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()

	return s.err
}

// Close unsubscribes and frees the subscriber's buffer immediately.
// Safe to call multiple times and concurrently with event production.
func (s *Subscriber) Close() {
	s.n.remove(s, nil)
}

// matches reports whether the subscriber wants the event.
func (s *Subscriber) matches(ev Event) bool {
	if !s.types[ev.Type] {
		return false
	}

	if ev.Epoch < s.fromEpoch {
		return false
	}

	if s.requestID != "" && ev.RequestID != s.requestID {
		return false
	}

	return true
}

// Notifier fans out events to subscribers. Each event type is a single
// producer-ordered log; subscribers each hold their own cursor (channel).
// Production never blocks: a subscriber that falls behind is evicted with
// ErrSlowConsumer instead of growing memory without bound.
type Notifier struct {
	mu           sync.Mutex
	seq          map[Type]uint64
	history      map[Type][]Event
	historyLimit int
	subs         map[*Subscriber]struct{}
}

// New creates a Notifier retaining up to historyLimit events per type
// for replay; 0 selects the default.
func New(historyLimit int) *Notifier {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	return &Notifier{
		seq:          make(map[Type]uint64),
		history:      make(map[Type][]Event),
		historyLimit: historyLimit,
		subs:         make(map[*Subscriber]struct{}),
	}
}

// SubOption configures a subscription.
type SubOption func(*Subscriber)

// WithEpochFloor delivers only events at or above the given epoch.
func WithEpochFloor(epoch uint64) SubOption {
	return func(s *Subscriber) { s.fromEpoch = epoch }
}

// WithRequestID delivers only events for the given request.
func WithRequestID(id string) SubOption {
	return func(s *Subscriber) { s.requestID = id }
}

// WithBuffer overrides the per-subscriber channel buffer.
func WithBuffer(n int) SubOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Subscribe registers interest in the given event types. Retained history
// matching the filters is replayed first (in production order), then new
// events stream until Close, or eviction on overflow.
func (n *Notifier) Subscribe(types []Type, opts ...SubOption) *Subscriber {
	s := &Subscriber{
		ch:    make(chan Event, defaultBuffer),
		types: make(map[Type]bool, len(types)),
		n:     n,
	}

	for _, t := range types {
		s.types[t] = true
	}

	for _, opt := range opts {
		opt(s)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// Replay matching history. The channel is regrown if the backlog alone
	// would overflow it, so a subscriber is never evicted at birth.
	var backlog []Event

	for _, t := range types {
		for _, ev := range n.history[t] {
			if s.matches(ev) {
				backlog = append(backlog, ev)
			}
		}
	}

	if len(backlog) > cap(s.ch) {
		s.ch = make(chan Event, len(backlog)+cap(s.ch))
	}

	for _, ev := range backlog {
		s.ch <- ev
	}

	n.subs[s] = struct{}{}

	return s
}

// Publish appends an event to its type's log and fans it out.
func (n *Notifier) Publish(t Type, epoch uint64, requestID string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq[t]++

	ev := Event{
		Seq:       n.seq[t],
		Type:      t,
		Epoch:     epoch,
		RequestID: requestID,
		Payload:   payload,
		Time:      time.Now().UTC(),
	}

	n.history[t] = append(n.history[t], ev)
	if len(n.history[t]) > n.historyLimit {
		n.history[t] = n.history[t][len(n.history[t])-n.historyLimit:]
	}

	for s := range n.subs {
		if !s.matches(ev) {
			continue
		}

		select {
		case s.ch <- ev:
		default:
			// Bounded buffer full: evict rather than block production.
			n.removeLocked(s, ErrSlowConsumer)
			logger.Warn("slow consumer evicted", "type", string(t), "seq", ev.Seq)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.subs)
}

// remove unsubscribes with the given termination reason.
func (n *Notifier) remove(s *Subscriber, reason error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.removeLocked(s, reason)
}

// removeLocked detaches and closes a subscriber. Caller must hold mu.
// Sends and close both happen under mu, so close never races a send.
func (n *Notifier) removeLocked(s *Subscriber, reason error) {
	if _, ok := n.subs[s]; !ok {
		return
	}

	delete(n.subs, s)
	s.err = reason
	close(s.ch)
}
