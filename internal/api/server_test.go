package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"SigMesh/internal/archive"
	"SigMesh/internal/bls"
	"SigMesh/internal/engine"
	"SigMesh/internal/epoch"
	"SigMesh/internal/notify"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
)

// testServer bundles a server over in-memory state with the validator
// keypairs backing the active set.
type testServer struct {
	*Server
	ts   *httptest.Server
	keys []*bls.KeyPair
}

// newTestServer builds a server with one active validator set:
// powers 40/30/30, quorum 60, covering epoch 1 onward.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := request.NewStore(nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	srv := &testServer{}

	powers := []uint64{40, 30, 30}
	validators := make([]registry.Validator, len(powers))

	for i, power := range powers {
		seed := make([]byte, 32)
		copy(seed, fmt.Sprintf("api-seed-%d", i))

		key, err := bls.GenerateFromSeed(seed)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		srv.keys = append(srv.keys, key)

		validators[i] = registry.Validator{
			Operator: fmt.Sprintf("operator-%d", i),
			Keys:     []registry.TaggedKey{{Tag: engine.KeyTagBLS, Key: key.PublicKeyBytes()}},
			Power:    power,
			Active:   true,
		}
	}

	reg, err := registry.New(nil, registry.WithLocalKey(engine.KeyTagBLS, srv.keys[0].PublicKeyBytes()))
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}

	clock, err := epoch.New(nil)
	if err != nil {
		t.Fatalf("create clock: %v", err)
	}

	notifier := notify.New(0)
	eng := engine.New(store, reg, clock, notifier, engine.Config{})

	srv.Server = New(":0", eng, store, reg, clock, notifier)

	if _, err := reg.Activate(1, 1, validators, 60); err != nil {
		t.Fatalf("activate set: %v", err)
	}

	if err := clock.Advance("chain-a", 1); err != nil {
		t.Fatalf("advance clock: %v", err)
	}

	srv.ts = httptest.NewServer(srv.Routes())
	t.Cleanup(srv.ts.Close)

	return srv
}

// postJSON performs a POST with a JSON-encoded body.
func (s *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}

	return resp
}

// get performs a GET request.
func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}

	return resp
}

// decode parses a JSON response body.
func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// createRequest submits a signing request and returns it.
func (s *testServer) createRequest(t *testing.T, message []byte) *request.SignatureRequest {
	t.Helper()

	resp := s.postJSON(t, "/requests", createRequestBody{
		KeyTag:  engine.KeyTagBLS,
		Message: message,
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create request status = %d", resp.StatusCode)
	}

	var req request.SignatureRequest
	decode(t, resp, &req)

	return &req
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.get(t, "/health")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	decode(t, resp, &body)

	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %s", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.get(t, "/status")

	var body map[string]any
	decode(t, resp, &body)

	if body["suggestedEpoch"].(float64) != 1 {
		t.Errorf("suggested epoch = %v, want 1", body["suggestedEpoch"])
	}

	if body["setVersion"].(float64) != 1 {
		t.Errorf("set version = %v, want 1", body["setVersion"])
	}
}

func TestCreateRequest_EmptyMessage(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postJSON(t, "/requests", createRequestBody{KeyTag: engine.KeyTagBLS})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestCreateRequest_FutureEpoch(t *testing.T) {
	srv := newTestServer(t)

	future := uint64(9)

	resp := srv.postJSON(t, "/requests", createRequestBody{
		KeyTag:  engine.KeyTagBLS,
		Message: []byte("too soon"),
		Epoch:   &future,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status 409, got %d", resp.StatusCode)
	}
}

func TestSignatureFlow(t *testing.T) {
	srv := newTestServer(t)

	message := []byte("api quorum flow")
	req := srv.createRequest(t, message)

	// First signature: 40 power, below quorum.
	resp := srv.postJSON(t, "/requests/"+req.ID.String()+"/signatures", signatureBody{
		PublicKey: srv.keys[0].PublicKeyBytes(),
		Signature: srv.keys[0].Sign(message),
	})

	var result map[string]any
	decode(t, resp, &result)

	if result["state"] != string(request.StateAccumulating) {
		t.Errorf("state after first signature = %v, want accumulating", result["state"])
	}

	// Second signature: 70 power, quorum crossed.
	resp = srv.postJSON(t, "/requests/"+req.ID.String()+"/signatures", signatureBody{
		PublicKey: srv.keys[1].PublicKeyBytes(),
		Signature: srv.keys[1].Sign(message),
	})

	decode(t, resp, &result)

	if result["state"] != string(request.StateCompleted) {
		t.Fatalf("state after second signature = %v, want completed", result["state"])
	}

	// The stored request now carries the proof.
	resp = srv.get(t, "/requests/"+req.ID.String())

	var got request.SignatureRequest
	decode(t, resp, &got)

	if got.Proof == nil {
		t.Fatal("completed request has no proof")
	}

	if got.Proof.Power != 70 {
		t.Errorf("proof power = %d, want 70", got.Proof.Power)
	}

	// And the proof verifies.
	resp = srv.get(t, "/requests/"+req.ID.String()+"/verify")
	decode(t, resp, &result)

	if result["valid"] != true {
		t.Error("proof did not verify")
	}
}

func TestAddSignature_UnknownRequest(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postJSON(t, "/requests/"+strings.Repeat("00", 32)+"/signatures", signatureBody{
		PublicKey: srv.keys[0].PublicKeyBytes(),
		Signature: []byte("sig"),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestAddSignature_InvalidID(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postJSON(t, "/requests/not-hex/signatures", signatureBody{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestReportFailureEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := srv.createRequest(t, []byte("doomed via api"))

	resp := srv.postJSON(t, "/requests/"+req.ID.String()+"/failure", failureBody{
		Code:   engine.FailCodeKeyUnavailable,
		Reason: "key deleted",
	})

	var result map[string]any
	decode(t, resp, &result)

	if result["state"] != string(request.StateFailed) {
		t.Errorf("state = %v, want failed", result["state"])
	}
}

func TestActivateSetEndpoint(t *testing.T) {
	srv := newTestServer(t)

	key, err := bls.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	resp := srv.postJSON(t, "/validator-sets", activateSetBody{
		Version: 2,
		Epoch:   5,
		Validators: []registry.Validator{{
			Operator: "operator-new",
			Keys:     []registry.TaggedKey{{Tag: engine.KeyTagBLS, Key: key.PublicKeyBytes()}},
			Power:    100,
			Active:   true,
		}},
		QuorumThreshold: 60,
	})

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}

	var set registry.ValidatorSet
	decode(t, resp, &set)

	if set.Version != 2 {
		t.Errorf("set version = %d, want 2", set.Version)
	}

	// Latest now reflects the new set.
	resp = srv.get(t, "/validator-sets/latest")
	decode(t, resp, &set)

	if set.Version != 2 {
		t.Errorf("latest version = %d, want 2", set.Version)
	}

	// The old set still covers earlier epochs.
	resp = srv.get(t, "/validator-sets/3")
	decode(t, resp, &set)

	if set.Version != 1 {
		t.Errorf("epoch 3 version = %d, want 1", set.Version)
	}
}

func TestActivateSet_StaleVersion(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postJSON(t, "/validator-sets", activateSetBody{
		Version: 1, // already active
		Epoch:   5,
		Validators: []registry.Validator{{
			Operator: "operator-0",
			Keys:     []registry.TaggedKey{{Tag: engine.KeyTagBLS, Key: srv.keys[0].PublicKeyBytes()}},
			Power:    100,
			Active:   true,
		}},
		QuorumThreshold: 60,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status 409, got %d", resp.StatusCode)
	}
}

func TestLocalValidatorEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.get(t, "/validators/local")

	var v registry.Validator
	decode(t, resp, &v)

	if v.Operator != "operator-0" {
		t.Errorf("local validator = %s, want operator-0", v.Operator)
	}
}

func TestValidatorByKeyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	path := fmt.Sprintf("/validators/by-key?tag=%d&key=%x", engine.KeyTagBLS, srv.keys[1].PublicKeyBytes())

	resp := srv.get(t, path)

	var v registry.Validator
	decode(t, resp, &v)

	if v.Operator != "operator-1" || v.Power != 30 {
		t.Errorf("unexpected validator: %+v", v)
	}

	// Unknown key: 404.
	resp = srv.get(t, fmt.Sprintf("/validators/by-key?tag=%d&key=%s", engine.KeyTagBLS, strings.Repeat("ab", 48)))
	resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("unknown key status = %d, want 404", resp.StatusCode)
	}
}

func TestWatermarkEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postJSON(t, "/epoch/watermarks", watermarkBody{ChainID: "chain-b", Epoch: 4})

	var result map[string]any
	decode(t, resp, &result)

	// chain-a is at 1, so the minimum stays 1.
	if result["suggested"].(float64) != 1 {
		t.Errorf("suggested = %v, want 1", result["suggested"])
	}

	resp = srv.get(t, "/epoch")

	var state map[string]any
	decode(t, resp, &state)

	watermarks := state["watermarks"].(map[string]any)
	if watermarks["chain-b"].(float64) != 4 {
		t.Errorf("chain-b watermark = %v, want 4", watermarks["chain-b"])
	}
}

func TestWatermark_StaleRejected(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postJSON(t, "/epoch/watermarks", watermarkBody{ChainID: "chain-a", Epoch: 0})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status 409, got %d", resp.StatusCode)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	srv := newTestServer(t)

	srv.createRequest(t, []byte("archived request"))

	resp := srv.get(t, "/epochs/1/archive")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read archive: %v", err)
	}

	a, err := archive.Import(buf.Bytes())
	if err != nil {
		t.Fatalf("import archive: %v", err)
	}

	if a.Epoch != 1 || len(a.Requests) != 1 {
		t.Errorf("archive epoch %d with %d requests, want 1 and 1", a.Epoch, len(a.Requests))
	}
}

// wsURL converts the test server URL to a websocket URL.
func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
}

func TestWatchRequestWebsocket(t *testing.T) {
	srv := newTestServer(t)

	message := []byte("sign and wait")
	req := srv.createRequest(t, message)

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL("/ws/requests/"+req.ID.String()), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is the request snapshot.
	var snapshot notify.Event
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	if snapshot.Type != "snapshot" || snapshot.RequestID != req.ID.String() {
		t.Fatalf("unexpected first frame: %+v", snapshot)
	}

	// Drive the request to completion.
	for i := 0; i < 2; i++ {
		resp := srv.postJSON(t, "/requests/"+req.ID.String()+"/signatures", signatureBody{
			PublicKey: srv.keys[i].PublicKeyBytes(),
			Signature: srv.keys[i].Sign(message),
		})
		resp.Body.Close()
	}

	// The stream delivers the signature, proof and terminal events.
	var sawProof, sawTerminal bool

	for !sawTerminal {
		var ev notify.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}

		switch ev.Type {
		case notify.TypeProof:
			sawProof = true
		case notify.TypeTerminal:
			sawTerminal = true
		}
	}

	if !sawProof {
		t.Error("no proof event before terminal")
	}
}

func TestProofStreamWithEpochFloor(t *testing.T) {
	srv := newTestServer(t)

	message := []byte("streamed proof")
	req := srv.createRequest(t, message)

	for i := 0; i < 2; i++ {
		resp := srv.postJSON(t, "/requests/"+req.ID.String()+"/signatures", signatureBody{
			PublicKey: srv.keys[i].PublicKeyBytes(),
			Signature: srv.keys[i].Sign(message),
		})
		resp.Body.Close()
	}

	// Connect after completion: retained history replays the proof.
	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL("/ws/proofs?from=1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}

	if ev.Type != notify.TypeProof || ev.RequestID != req.ID.String() {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestWatchRequest_UnknownID(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.get(t, "/ws/requests/"+strings.Repeat("ab", 32))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}
