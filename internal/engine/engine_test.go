package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"SigMesh/internal/bls"
	"SigMesh/internal/epoch"
	"SigMesh/internal/notify"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
)

// testEnv bundles an engine with its collaborators and the validator
// keypairs backing the active set.
type testEnv struct {
	engine   *Engine
	store    *request.Store
	registry *registry.Registry
	clock    *epoch.Clock
	notifier *notify.Notifier
	keys     []*bls.KeyPair
}

// newTestEnv builds an engine over an in-memory store with one active
// validator set: one validator per power, keys derived deterministically.
// The clock is advanced so the suggested epoch equals setEpoch.
func newTestEnv(t *testing.T, powers []uint64, quorum uint64, setEpoch uint64) *testEnv {
	t.Helper()

	store, err := request.NewStore(nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}

	clock, err := epoch.New(nil)
	if err != nil {
		t.Fatalf("create clock: %v", err)
	}

	notifier := notify.New(0)

	env := &testEnv{
		store:    store,
		registry: reg,
		clock:    clock,
		notifier: notifier,
	}

	env.engine = New(store, reg, clock, notifier, Config{})

	validators := make([]registry.Validator, len(powers))

	for i, power := range powers {
		seed := make([]byte, 32)
		copy(seed, fmt.Sprintf("validator-seed-%d", i))

		key, err := bls.GenerateFromSeed(seed)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		env.keys = append(env.keys, key)

		validators[i] = registry.Validator{
			Operator: fmt.Sprintf("operator-%d", i),
			Keys:     []registry.TaggedKey{{Tag: KeyTagBLS, Key: key.PublicKeyBytes()}},
			Power:    power,
			Active:   true,
		}
	}

	if _, err := reg.Activate(1, setEpoch, validators, quorum); err != nil {
		t.Fatalf("activate set: %v", err)
	}

	if err := clock.Advance("chain-a", setEpoch); err != nil {
		t.Fatalf("advance clock: %v", err)
	}

	return env
}

// sign produces validator i's signature over the message.
func (env *testEnv) sign(i int, message []byte) request.Signature {
	return request.Signature{
		PublicKey: env.keys[i].PublicKeyBytes(),
		Signature: env.keys[i].Sign(message),
	}
}

// TestQuorumByPower tests that cumulative voting power, not signer count,
// decides completion: powers 40+30 cross a threshold of 60.
func TestQuorumByPower(t *testing.T) {
	env := newTestEnv(t, []uint64{40, 30, 30}, 60, 1)

	message := []byte("checkpoint #8812")

	req, err := env.engine.Submit(KeyTagBLS, message, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if req.State != request.StatePending {
		t.Fatalf("initial state = %s, want pending", req.State)
	}

	if _, err := env.engine.AddSignature(req.ID, env.sign(0, message)); err != nil {
		t.Fatalf("first signature: %v", err)
	}

	got, _ := env.store.Get(req.ID)
	if got.State != request.StateAccumulating {
		t.Errorf("state after 40 power = %s, want accumulating", got.State)
	}

	if _, err := env.engine.AddSignature(req.ID, env.sign(1, message)); err != nil {
		t.Fatalf("second signature: %v", err)
	}

	got, _ = env.store.Get(req.ID)

	if got.State != request.StateCompleted {
		t.Fatalf("state after 70 power = %s, want completed", got.State)
	}

	if got.Proof == nil {
		t.Fatal("completed request has no proof")
	}

	if got.Proof.Power != 70 {
		t.Errorf("proof power = %d, want 70", got.Proof.Power)
	}

	if got.Proof.SetVersion != 1 {
		t.Errorf("proof set version = %d, want 1", got.Proof.SetVersion)
	}

	if got.Proof.VerificationType != VerifyTypeBLS {
		t.Errorf("verification type = %s", got.Proof.VerificationType)
	}

	ok, err := env.engine.VerifyProof(got)
	if err != nil {
		t.Fatalf("verify proof: %v", err)
	}
	if !ok {
		t.Error("proof did not verify against signer keys")
	}
}

// TestBelowQuorumStaysAccumulating tests that a single 40-power signature
// against a 60-power threshold does not complete the request.
func TestBelowQuorumStaysAccumulating(t *testing.T) {
	env := newTestEnv(t, []uint64{40, 30, 30}, 60, 1)

	message := []byte("partial quorum")

	req, err := env.engine.Submit(KeyTagBLS, message, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.engine.AddSignature(req.ID, env.sign(2, message)); err != nil {
		t.Fatalf("add signature: %v", err)
	}

	got, _ := env.store.Get(req.ID)

	if got.State != request.StateAccumulating {
		t.Errorf("state = %s, want accumulating", got.State)
	}

	if got.Proof != nil {
		t.Error("proof produced below quorum")
	}
}

// TestDuplicateSignatureIdempotent tests that retransmitting the same
// (request, key) signature is a no-op and never double-counts power.
func TestDuplicateSignatureIdempotent(t *testing.T) {
	env := newTestEnv(t, []uint64{40, 30, 30}, 60, 1)

	message := []byte("retransmitted")

	req, _ := env.engine.Submit(KeyTagBLS, message, nil)

	added, err := env.engine.AddSignature(req.ID, env.sign(0, message))
	if err != nil || !added {
		t.Fatalf("first add = (%v, %v), want (true, nil)", added, err)
	}

	added, err = env.engine.AddSignature(req.ID, env.sign(0, message))
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if added {
		t.Error("duplicate signature reported as added")
	}

	got, _ := env.store.Get(req.ID)

	if len(got.Signatures) != 1 {
		t.Errorf("stored %d signatures, want 1", len(got.Signatures))
	}

	if got.State != request.StateAccumulating {
		t.Errorf("state = %s, want accumulating (40 < 60)", got.State)
	}
}

// TestSubmitIdempotent tests that re-submitting identical content returns
// the same request instead of creating a second one.
func TestSubmitIdempotent(t *testing.T) {
	env := newTestEnv(t, []uint64{50, 50}, 60, 1)

	message := []byte("same content")

	first, err := env.engine.Submit(KeyTagBLS, message, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	second, err := env.engine.Submit(KeyTagBLS, message, nil)
	if err != nil {
		t.Fatalf("re-submit: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("re-submission produced a different ID: %s vs %s", first.ID, second.ID)
	}

	if env.store.Len() != 1 {
		t.Errorf("store holds %d requests, want 1", env.store.Len())
	}
}

// TestSubmitFutureEpochRejected tests that a request may not target an
// epoch not yet committed on every chain.
func TestSubmitFutureEpochRejected(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 3)

	future := uint64(4)

	_, err := env.engine.Submit(KeyTagBLS, []byte("too early"), &future)
	if !errors.Is(err, ErrFutureEpoch) {
		t.Errorf("err = %v, want ErrFutureEpoch", err)
	}

	past := uint64(2)

	if _, err := env.engine.Submit(KeyTagBLS, []byte("fine"), &past); err != nil {
		t.Errorf("past epoch rejected: %v", err)
	}
}

// TestUnknownSignerRejected tests that a key outside the epoch's set is
// refused.
func TestUnknownSignerRejected(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 1)

	message := []byte("stranger danger")

	req, _ := env.engine.Submit(KeyTagBLS, message, nil)

	outsider, err := bls.Generate()
	if err != nil {
		t.Fatalf("generate outsider key: %v", err)
	}

	_, err = env.engine.AddSignature(req.ID, request.Signature{
		PublicKey: outsider.PublicKeyBytes(),
		Signature: outsider.Sign(message),
	})
	if !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("err = %v, want ErrUnknownSigner", err)
	}

	got, _ := env.store.Get(req.ID)
	if len(got.Signatures) != 0 {
		t.Error("rejected signature was stored")
	}
}

// TestInvalidSignatureRejected tests that a signature over the wrong
// message fails cryptographic verification.
func TestInvalidSignatureRejected(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 1)

	req, _ := env.engine.Submit(KeyTagBLS, []byte("the real message"), nil)

	_, err := env.engine.AddSignature(req.ID, env.sign(0, []byte("a different message")))
	if !errors.Is(err, request.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

// TestUnknownRequestRejected tests signature delivery for an absent ID.
func TestUnknownRequestRejected(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 1)

	var id request.ID

	_, err := env.engine.AddSignature(id, env.sign(0, []byte("x")))
	if !errors.Is(err, request.ErrUnknownRequest) {
		t.Errorf("err = %v, want ErrUnknownRequest", err)
	}
}

// TestUnretainedEpochKeepsPending tests that a request pinned to an epoch
// below the earliest retained set rejects signatures but stays pending.
func TestUnretainedEpochKeepsPending(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 6)

	// Suggested epoch is 6; pin the request below the earliest set.
	target := uint64(5)

	req, err := env.engine.Submit(KeyTagBLS, []byte("orphaned epoch"), &target)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = env.engine.AddSignature(req.ID, env.sign(0, []byte("orphaned epoch")))
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("err = %v, want registry.ErrNotFound", err)
	}

	got, _ := env.store.Get(req.ID)
	if got.State != request.StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
}

// TestConcurrentAdditionsSingleCompletion tests that under concurrent
// signature delivery exactly one addition crosses quorum and exactly one
// proof is produced.
func TestConcurrentAdditionsSingleCompletion(t *testing.T) {
	powers := make([]uint64, 8)
	for i := range powers {
		powers[i] = 10
	}

	env := newTestEnv(t, powers, 50, 1)

	message := []byte("contended quorum")

	req, err := env.engine.Submit(KeyTagBLS, message, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sub := env.notifier.Subscribe([]notify.Type{notify.TypeProof}, notify.WithRequestID(req.ID.String()))
	defer sub.Close()

	var wg sync.WaitGroup

	for i := range powers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if _, err := env.engine.AddSignature(req.ID, env.sign(i, message)); err != nil {
				t.Errorf("signature %d: %v", i, err)
			}
		}(i)
	}

	wg.Wait()

	got, _ := env.store.Get(req.ID)

	if got.State != request.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}

	proofs := 0

drainLoop:
	for {
		select {
		case <-sub.Events():
			proofs++
		case <-time.After(100 * time.Millisecond):
			break drainLoop
		}
	}

	if proofs != 1 {
		t.Errorf("published %d proof events, want exactly 1", proofs)
	}

	if got.Proof.Power < 50 {
		t.Errorf("proof power = %d, want >= 50", got.Proof.Power)
	}
}

// TestProofOrderIndependent tests that two nodes receiving the same
// signatures in different orders produce bit-identical proofs.
func TestProofOrderIndependent(t *testing.T) {
	powers := []uint64{20, 20, 20}

	a := newTestEnv(t, powers, 60, 1)
	b := newTestEnv(t, powers, 60, 1)

	message := []byte("deterministic artifact")

	reqA, _ := a.engine.Submit(KeyTagBLS, message, nil)
	reqB, _ := b.engine.Submit(KeyTagBLS, message, nil)

	for _, i := range []int{0, 1, 2} {
		if _, err := a.engine.AddSignature(reqA.ID, a.sign(i, message)); err != nil {
			t.Fatalf("node a signature %d: %v", i, err)
		}
	}

	for _, i := range []int{2, 0, 1} {
		if _, err := b.engine.AddSignature(reqB.ID, b.sign(i, message)); err != nil {
			t.Fatalf("node b signature %d: %v", i, err)
		}
	}

	gotA, _ := a.store.Get(reqA.ID)
	gotB, _ := b.store.Get(reqB.ID)

	if gotA.Proof == nil || gotB.Proof == nil {
		t.Fatal("missing proof on one of the nodes")
	}

	if string(gotA.Proof.Proof) != string(gotB.Proof.Proof) {
		t.Error("proofs differ across signature arrival orders")
	}

	if string(gotA.Proof.SignerBitmap) != string(gotB.Proof.SignerBitmap) {
		t.Error("signer bitmaps differ across signature arrival orders")
	}
}

// TestLateSignatureAfterCompletion tests that signatures arriving after
// the terminal state are recorded for audit without touching the proof.
func TestLateSignatureAfterCompletion(t *testing.T) {
	env := newTestEnv(t, []uint64{40, 30, 30}, 60, 1)

	message := []byte("already done")

	req, _ := env.engine.Submit(KeyTagBLS, message, nil)

	env.engine.AddSignature(req.ID, env.sign(0, message))
	env.engine.AddSignature(req.ID, env.sign(1, message))

	completed, _ := env.store.Get(req.ID)
	if completed.State != request.StateCompleted {
		t.Fatalf("state = %s, want completed", completed.State)
	}

	proofBefore := append([]byte(nil), completed.Proof.Proof...)

	added, err := env.engine.AddSignature(req.ID, env.sign(2, message))
	if err != nil {
		t.Fatalf("late signature: %v", err)
	}
	if !added {
		t.Error("late signature not recorded")
	}

	after, _ := env.store.Get(req.ID)

	if len(after.Signatures) != 3 {
		t.Errorf("stored %d signatures, want 3", len(after.Signatures))
	}

	if string(after.Proof.Proof) != string(proofBefore) {
		t.Error("late signature mutated the proof")
	}

	if after.Proof.Power != 70 {
		t.Errorf("proof power = %d, want 70 (unchanged)", after.Proof.Power)
	}
}

// TestReportFailure tests the failure policy split: fatal codes fail the
// request, transient codes are dropped.
func TestReportFailure(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 1)

	req, _ := env.engine.Submit(KeyTagBLS, []byte("doomed"), nil)

	if err := env.engine.ReportFailure(req.ID, "node_restarting", "transient outage"); err != nil {
		t.Fatalf("transient report: %v", err)
	}

	got, _ := env.store.Get(req.ID)
	if got.State != request.StatePending {
		t.Errorf("state after transient report = %s, want pending", got.State)
	}

	if err := env.engine.ReportFailure(req.ID, FailCodeKeyUnavailable, "key deleted"); err != nil {
		t.Fatalf("fatal report: %v", err)
	}

	got, _ = env.store.Get(req.ID)

	if got.State != request.StateFailed {
		t.Errorf("state after fatal report = %s, want failed", got.State)
	}

	if got.FailCode != FailCodeKeyUnavailable {
		t.Errorf("fail code = %s", got.FailCode)
	}
}

// TestReportFailureAfterTerminal tests that failure reports against a
// terminal request are benign no-ops.
func TestReportFailureAfterTerminal(t *testing.T) {
	env := newTestEnv(t, []uint64{100}, 60, 1)

	message := []byte("finished first")

	req, _ := env.engine.Submit(KeyTagBLS, message, nil)
	env.engine.AddSignature(req.ID, env.sign(0, message))

	if err := env.engine.ReportFailure(req.ID, FailCodeKeyMismatch, "too late"); err != nil {
		t.Fatalf("report after completion: %v", err)
	}

	got, _ := env.store.Get(req.ID)

	if got.State != request.StateCompleted {
		t.Errorf("state = %s, want completed preserved", got.State)
	}

	if got.FailCode != "" {
		t.Errorf("fail code set on completed request: %s", got.FailCode)
	}
}

// TestTimeoutWatchdog tests that a request without quorum transitions to
// timed_out after the waiting window.
func TestTimeoutWatchdog(t *testing.T) {
	store, _ := request.NewStore(nil)
	reg, _ := registry.New(nil)
	clock, _ := epoch.New(nil)
	notifier := notify.New(0)

	engine := New(store, reg, clock, notifier, Config{
		RequestTimeout: 30 * time.Millisecond,
		TickInterval:   10 * time.Millisecond,
	})

	engine.Start()
	defer engine.Stop()

	sub := notifier.Subscribe([]notify.Type{notify.TypeTerminal})
	defer sub.Close()

	req, err := engine.Submit(KeyTagBLS, []byte("nobody signs"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.RequestID != req.ID.String() {
			t.Errorf("terminal event for %s, want %s", ev.RequestID, req.ID)
		}
		if ev.Payload != request.StateTimedOut {
			t.Errorf("terminal payload = %v, want timed_out", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}

	got, _ := store.Get(req.ID)
	if got.State != request.StateTimedOut {
		t.Errorf("state = %s, want timed_out", got.State)
	}
}

// TestEpochAdvanceReevaluation tests that signatures parked on a request
// complete it once a covering validator set appears and the suggested
// epoch advances.
func TestEpochAdvanceReevaluation(t *testing.T) {
	store, _ := request.NewStore(nil)
	reg, _ := registry.New(nil)
	clock, _ := epoch.New(nil)
	notifier := notify.New(0)

	engine := New(store, reg, clock, notifier, Config{})

	seed := make([]byte, 32)
	copy(seed, "reeval-seed")

	key, err := bls.GenerateFromSeed(seed)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if err := clock.Advance("chain-a", 5); err != nil {
		t.Fatalf("advance clock: %v", err)
	}

	message := []byte("signed before the set arrived")

	req, err := engine.Submit(KeyTagBLS, message, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A restored node can hold signatures recorded before the covering
	// set was activated locally.
	err = store.Update(req.ID, func(r *request.SignatureRequest) error {
		r.State = request.StateAccumulating
		r.Signatures = append(r.Signatures, request.Signature{
			PublicKey: key.PublicKeyBytes(),
			Signature: key.Sign(message),
		})
		return nil
	})
	if err != nil {
		t.Fatalf("seed signature: %v", err)
	}

	validators := []registry.Validator{{
		Operator: "operator-0",
		Keys:     []registry.TaggedKey{{Tag: KeyTagBLS, Key: key.PublicKeyBytes()}},
		Power:    100,
		Active:   true,
	}}

	if _, err := reg.Activate(1, 5, validators, 60); err != nil {
		t.Fatalf("activate set: %v", err)
	}

	if err := clock.Advance("chain-a", 6); err != nil {
		t.Fatalf("advance clock again: %v", err)
	}

	got, _ := store.Get(req.ID)

	if got.State != request.StateCompleted {
		t.Errorf("state after re-evaluation = %s, want completed", got.State)
	}
}

// TestInactiveValidatorExcluded tests that an inactive member neither
// signs nor counts toward quorum.
func TestInactiveValidatorExcluded(t *testing.T) {
	store, _ := request.NewStore(nil)
	reg, _ := registry.New(nil)
	clock, _ := epoch.New(nil)
	notifier := notify.New(0)

	engine := New(store, reg, clock, notifier, Config{})

	var keys []*bls.KeyPair
	var validators []registry.Validator

	for i := 0; i < 2; i++ {
		seed := make([]byte, 32)
		copy(seed, fmt.Sprintf("inactive-seed-%d", i))

		key, err := bls.GenerateFromSeed(seed)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		keys = append(keys, key)

		validators = append(validators, registry.Validator{
			Operator: fmt.Sprintf("operator-%d", i),
			Keys:     []registry.TaggedKey{{Tag: KeyTagBLS, Key: key.PublicKeyBytes()}},
			Power:    50,
			Active:   i == 0,
		})
	}

	if _, err := reg.Activate(1, 1, validators, 40); err != nil {
		t.Fatalf("activate set: %v", err)
	}

	if err := clock.Advance("chain-a", 1); err != nil {
		t.Fatalf("advance clock: %v", err)
	}

	message := []byte("active members only")

	req, _ := engine.Submit(KeyTagBLS, message, nil)

	_, err := engine.AddSignature(req.ID, request.Signature{
		PublicKey: keys[1].PublicKeyBytes(),
		Signature: keys[1].Sign(message),
	})
	if !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("inactive signer err = %v, want ErrUnknownSigner", err)
	}

	if _, err := engine.AddSignature(req.ID, request.Signature{
		PublicKey: keys[0].PublicKeyBytes(),
		Signature: keys[0].Sign(message),
	}); err != nil {
		t.Fatalf("active signer rejected: %v", err)
	}

	got, _ := store.Get(req.ID)
	if got.State != request.StateCompleted {
		t.Errorf("state = %s, want completed (50 >= 40)", got.State)
	}
}
