package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"SigMesh/internal/bls"
	"SigMesh/internal/epoch"
	"SigMesh/internal/logger"
	"SigMesh/internal/notify"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
)

var (
	// ErrFutureEpoch is returned when a request targets an epoch above
	// the suggested epoch, i.e. an epoch not yet committed on every chain.
	ErrFutureEpoch = errors.New("epoch ahead of suggested")

	// ErrUnknownSigner is returned when a signature's public key does not
	// belong to an active validator of the request's epoch set.
	ErrUnknownSigner = errors.New("unknown signer")
)

const (
	// defaultRequestTimeout is the waiting window before a request
	// without quorum transitions to timed_out.
	defaultRequestTimeout = 2 * time.Minute

	// defaultTickInterval is the watchdog scan interval.
	defaultTickInterval = time.Second
)

// Config holds engine tuning knobs. Zero values select defaults.
type Config struct {
	// RequestTimeout is the bounded waiting window from request creation.
	RequestTimeout time.Duration

	// TickInterval is how often the timeout watchdog scans.
	TickInterval time.Duration

	// Policy decides which validator-reported failures are fatal.
	Policy FailurePolicy
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}

	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}

	if c.Policy == nil {
		c.Policy = DefaultFailurePolicy
	}

	return c
}

// Engine collects signatures per request, evaluates quorum by voting
// power against the validator set pinned at request creation, and
// combines a quorum-satisfying set into one aggregation proof.
//
// Per-request mutation is serialized by the store's per-request locks;
// independent requests proceed fully in parallel. Quorum evaluation is
// atomic with the signature addition that crosses the threshold, so
// exactly one addition observes the crossing and performs aggregation.
type Engine struct {
	store    *request.Store
	registry *registry.Registry
	clock    *epoch.Clock
	notifier *notify.Notifier
	cfg      Config

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine and hooks epoch advances for re-evaluation.
func New(store *request.Store, reg *registry.Registry, clock *epoch.Clock, notifier *notify.Notifier, cfg Config) *Engine {
	e := &Engine{
		store:    store,
		registry: reg,
		clock:    clock,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		stop:     make(chan struct{}),
	}

	clock.OnSuggestedAdvance(e.onEpochAdvance)

	return e
}

// Start launches the timeout watchdog.
func (e *Engine) Start() {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.expireStale()
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the watchdog and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Submit creates a signing request. epochOpt pins the required epoch;
// nil resolves to the clock's suggested epoch at creation time. Creation
// is idempotent: an identical in-flight request is returned as-is.
func (e *Engine) Submit(keyTag uint8, message []byte, epochOpt *uint64) (*request.SignatureRequest, error) {
	suggested := e.clock.Suggested()

	target := suggested
	if epochOpt != nil {
		target = *epochOpt
	}

	if target > suggested {
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureEpoch, target, suggested)
	}

	req, created, err := e.store.Create(keyTag, message, target)
	if err != nil {
		return nil, err
	}

	if created {
		logger.Info("signing request accepted", "id", req.ID.String()[:12], "epoch", target, "key_tag", keyTag)
	}

	return req, nil
}

// AddSignature records one validator's signature on a request and
// evaluates quorum. Returns added=false for a duplicate (request,
// validator key) pair: duplicates are idempotent no-ops so validators
// may safely retransmit.
//
// Fails with request.ErrUnknownRequest for an absent request, with
// registry.ErrNotFound when the request's validator set is not retained
// or the signer is not an active member of it, and with
// request.ErrInvalidSignature when cryptographic verification fails.
func (e *Engine) AddSignature(id request.ID, sig request.Signature) (bool, error) {
	var (
		added     bool
		completed bool
		epochNum  uint64
		late      bool
	)

	err := e.store.Update(id, func(r *request.SignatureRequest) error {
		epochNum = r.Epoch

		if r.SignatureByKey(sig.PublicKey) != nil {
			logger.Debug("duplicate signature ignored", "id", r.ID.String()[:12])
			return nil
		}

		set, err := e.registry.SetForEpoch(r.Epoch)
		if err != nil {
			return err
		}

		v, _ := set.ValidatorByKey(r.KeyTag, sig.PublicKey)
		if v == nil {
			return fmt.Errorf("%w: key (tag %d) not in set version %d", ErrUnknownSigner, r.KeyTag, set.Version)
		}

		comb := combinerForTag(r.KeyTag)
		if !comb.VerifyShare(sig.Signature, r.Message, sig.PublicKey) {
			return fmt.Errorf("%w: from %s", request.ErrInvalidSignature, v.Operator)
		}

		sig.KeyTag = r.KeyTag
		sig.MessageHash = r.MessageHash()
		sig.Operator = v.Operator
		sig.ReceivedAt = time.Now().UTC()

		r.Signatures = append(r.Signatures, sig)
		added = true

		if r.State.Terminal() {
			// Recorded for audit only; no re-aggregation.
			late = true
			return nil
		}

		r.State = request.StateAccumulating
		completed = e.evaluateLocked(r, set, comb)

		return nil
	})
	if err != nil {
		return false, err
	}

	if added {
		e.notifier.Publish(notify.TypeSignature, epochNum, id.String(), sig)
	}

	if completed {
		e.publishCompletion(id)
	}

	if late {
		logger.Debug("late signature recorded after terminal state", "id", id.String()[:12])
	}

	return added, nil
}

// evaluateLocked recomputes cumulative voting power and, on crossing the
// quorum threshold, combines the signatures into the request's proof.
// Caller must hold the request's lock via store.Update.
func (e *Engine) evaluateLocked(r *request.SignatureRequest, set *registry.ValidatorSet, comb Combiner) bool {
	var (
		power   uint64
		shares  [][]byte
		indices []int
		seen    = make(map[string]bool)
	)

	for i := range r.Signatures {
		s := &r.Signatures[i]

		v, idx := set.ValidatorByKey(r.KeyTag, s.PublicKey)
		if v == nil || seen[v.Operator] {
			continue
		}

		seen[v.Operator] = true
		power += v.Power
		shares = append(shares, s.Signature)
		indices = append(indices, idx)
	}

	if power < set.QuorumThreshold {
		return false
	}

	proofBytes, err := comb.Combine(shares)
	if err != nil {
		logger.Error("combine failed", "id", r.ID.String()[:12], "error", err)
		return false
	}

	r.Proof = &request.Proof{
		Proof:            proofBytes,
		MessageHash:      r.MessageHash(),
		VerificationType: comb.Type(),
		SetVersion:       set.Version,
		SignerBitmap:     bls.BuildSignerBitmap(indices, set.Len()),
		Power:            power,
		CreatedAt:        time.Now().UTC(),
	}
	r.State = request.StateCompleted

	logger.Info("quorum reached",
		"id", r.ID.String()[:12],
		"epoch", r.Epoch,
		"power", power,
		"quorum", set.QuorumThreshold,
		"signers", len(shares),
	)

	return true
}

// publishCompletion emits the proof and terminal events for a request.
func (e *Engine) publishCompletion(id request.ID) {
	req, err := e.store.Get(id)
	if err != nil || req.Proof == nil {
		return
	}

	e.notifier.Publish(notify.TypeProof, req.Epoch, id.String(), req.Proof)
	e.notifier.Publish(notify.TypeTerminal, req.Epoch, id.String(), req.State)
}

// ReportFailure records a validator-reported error against a request.
// The configured policy decides whether the code is unrecoverable; fatal
// reports transition the request to failed, everything else is logged
// and dropped. Reports against terminal requests are benign no-ops.
func (e *Engine) ReportFailure(id request.ID, code, reason string) error {
	if !e.cfg.Policy(code) {
		logger.Debug("non-fatal failure report dropped", "id", id.String()[:12], "code", code)
		return nil
	}

	var (
		failed   bool
		epochNum uint64
	)

	err := e.store.Update(id, func(r *request.SignatureRequest) error {
		epochNum = r.Epoch

		if r.State.Terminal() {
			return nil
		}

		r.State = request.StateFailed
		r.FailCode = code
		r.FailReason = reason
		failed = true

		return nil
	})
	if err != nil {
		return err
	}

	if failed {
		logger.Warn("request failed", "id", id.String()[:12], "code", code, "reason", reason)
		e.notifier.Publish(notify.TypeTerminal, epochNum, id.String(), request.StateFailed)
	}

	return nil
}

// onEpochAdvance re-evaluates non-terminal requests when the suggested
// epoch advances: a validator set that became resolvable can complete a
// request whose signatures already satisfy quorum.
func (e *Engine) onEpochAdvance(suggested uint64) {
	for _, id := range e.store.NonTerminal() {
		e.reevaluate(id)
	}

	logger.Debug("re-evaluated pending requests", "suggested", suggested)
}

// reevaluate re-runs quorum evaluation for one request.
func (e *Engine) reevaluate(id request.ID) {
	var completed bool

	err := e.store.Update(id, func(r *request.SignatureRequest) error {
		if r.State.Terminal() || len(r.Signatures) == 0 {
			return nil
		}

		set, err := e.registry.SetForEpoch(r.Epoch)
		if err != nil {
			return nil // still unresolvable; keep waiting
		}

		completed = e.evaluateLocked(r, set, combinerForTag(r.KeyTag))

		return nil
	})
	if err != nil {
		return
	}

	if completed {
		e.publishCompletion(id)
	}
}

// expireStale transitions requests past the waiting window to timed_out.
func (e *Engine) expireStale() {
	deadline := time.Now().Add(-e.cfg.RequestTimeout)

	for _, id := range e.store.NonTerminal() {
		var (
			timedOut bool
			epochNum uint64
		)

		err := e.store.Update(id, func(r *request.SignatureRequest) error {
			epochNum = r.Epoch

			if r.State.Terminal() || r.CreatedAt.After(deadline) {
				return nil
			}

			r.State = request.StateTimedOut
			timedOut = true

			return nil
		})
		if err != nil {
			continue
		}

		if timedOut {
			logger.Warn("request timed out", "id", id.String()[:12], "epoch", epochNum)
			e.notifier.Publish(notify.TypeTerminal, epochNum, id.String(), request.StateTimedOut)
		}
	}
}

// PublishSetChange emits a validator-set-changed event. Called by the
// node after a successful registry activation.
func (e *Engine) PublishSetChange(set *registry.ValidatorSet) {
	e.notifier.Publish(notify.TypeValidatorSet, set.Epoch, "", set)
}

// VerifyProof checks a completed request's proof against the public keys
// of its recorded signers. Exposed for auditing endpoints.
func (e *Engine) VerifyProof(r *request.SignatureRequest) (bool, error) {
	if r.Proof == nil {
		return false, fmt.Errorf("request %s has no proof", r.ID.String()[:12])
	}

	set, err := e.registry.SetForEpoch(r.Epoch)
	if err != nil {
		return false, err
	}

	var pubkeys [][]byte

	for _, idx := range bls.ParseSignerBitmap(r.Proof.SignerBitmap) {
		if idx >= set.Len() {
			return false, fmt.Errorf("signer index %d out of range", idx)
		}

		key, ok := set.Validators[idx].KeyFor(r.KeyTag)
		if !ok {
			return false, fmt.Errorf("validator %s has no key for tag %d", set.Validators[idx].Operator, r.KeyTag)
		}

		pubkeys = append(pubkeys, key)
	}

	return combinerForTag(r.KeyTag).VerifyProof(r.Proof.Proof, r.Message, pubkeys), nil
}
